package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/agripay-backend/internal/config"
	"github.com/ignatzorin/agripay-backend/internal/logger"
	"github.com/ignatzorin/agripay-backend/internal/models"
)

const (
	maxEvidenceInPrompt    = 20
	maxDescriptionInPrompt = 500
)

var codeBlockRe = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")

// DisputeAnalyzer запрашивает рекомендацию по спору у OpenAI-совместимого API.
type DisputeAnalyzer struct {
	client *openai.Client
	model  string
	log    *logrus.Entry
}

// NewDisputeAnalyzer создаёт адаптер. Таймаут запроса задаёт вызывающий через ctx,
// httpTimeout только страхует от зависших соединений.
func NewDisputeAnalyzer(cfg config.AIConfig) *DisputeAnalyzer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	httpTimeout := 2 * cfg.Timeout
	if httpTimeout <= 0 {
		httpTimeout = 60 * time.Second
	}
	clientCfg.HTTPClient = &http.Client{Timeout: httpTimeout}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &DisputeAnalyzer{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		log:    logger.Component("ai"),
	}
}

// analysisResponse ожидаемый JSON ответ модели.
type analysisResponse struct {
	Recommendation string   `json:"recommendation"`
	Confidence     *float64 `json:"confidence"`
	Reasoning      string   `json:"reasoning"`
}

// Analyze возвращает рекомендацию. Проверку диапазона уверенности и
// допустимых значений выполняет вызывающий сервис.
func (a *DisputeAnalyzer) Analyze(ctx context.Context, req models.AnalysisRequest) (*models.AIAnalysis, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(req)},
		},
		Temperature: 0.2,
		MaxTokens:   600,
	})
	if err != nil {
		return nil, fmt.Errorf("ai: запрос анализа спора %s: %w", req.DisputeID, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("ai: пустой ответ")
	}

	parsed, err := parseAnalysis(resp.Choices[0].Message.Content)
	if err != nil {
		a.log.WithError(err).WithField("dispute_id", req.DisputeID).Warn("ответ модели не распознан")
		return nil, err
	}

	version := resp.Model
	if version == "" {
		version = a.model
	}
	return &models.AIAnalysis{
		ConfidenceScore:  *parsed.Confidence,
		AIRecommendation: models.AIRecommendation(strings.ToLower(strings.TrimSpace(parsed.Recommendation))),
		Reasoning:        strings.TrimSpace(parsed.Reasoning),
		AIModelVersion:   version,
	}, nil
}

const systemPrompt = `Ты арбитр торговой площадки сельхозпродукции. По описанию спора и доказательствам
предложи решение. Ответь только JSON объектом вида:
{"recommendation": "full_refund" | "partial_refund" | "release_funds" | "no_action",
 "confidence": число от 0 до 1,
 "reasoning": "краткое обоснование"}`

func buildPrompt(req models.AnalysisRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Заказ: %s\n", req.Order.OrderID)
	fmt.Fprintf(&b, "Сумма резерва: %s %s\n", req.Order.Amount.StringFixed(2), req.Order.Currency)
	if !req.Order.HeldAt.IsZero() {
		fmt.Fprintf(&b, "Средства зарезервированы: %s\n", req.Order.HeldAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Причина спора: %s\n\nДоказательства:\n", truncate(req.Reason, maxDescriptionInPrompt))

	evidence := req.Evidence
	if len(evidence) > maxEvidenceInPrompt {
		omitted := evidence[:len(evidence)-maxEvidenceInPrompt]
		b.WriteString(summarizeOmitted(omitted))
		evidence = evidence[len(evidence)-maxEvidenceInPrompt:]
	}
	for i, e := range evidence {
		fmt.Fprintf(&b, "%d. [%s от %s] %s", i+1, e.EvidenceType, e.SubmittedBy, truncate(e.Description, maxDescriptionInPrompt))
		if c := e.Metadata.GPSCoords; c != nil {
			fmt.Fprintf(&b, " (GPS %.5f, %.5f)", c.Lat, c.Lng)
		}
		if e.FileURL != nil {
			b.WriteString(" (приложен файл)")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// summarizeOmitted сводит ранние доказательства, не попавшие в промпт, к счётчикам по сторонам и типам.
func summarizeOmitted(omitted []models.Evidence) string {
	byParty := make(map[string]int)
	byType := make(map[string]int)
	for _, e := range omitted {
		byParty[string(e.SubmittedBy)]++
		byType[string(e.EvidenceType)]++
	}
	return fmt.Sprintf("Ранее представлено ещё %d доказательств (стороны: %s; типы: %s), показаны последние %d:\n",
		len(omitted), formatCounts(byParty), formatCounts(byType), maxEvidenceInPrompt)
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %d", k, counts[k]))
	}
	return strings.Join(parts, ", ")
}

// parseAnalysis извлекает JSON из ответа, который может быть обёрнут в markdown.
func parseAnalysis(text string) (*analysisResponse, error) {
	candidates := make([]string, 0, 2)
	if m := codeBlockRe.FindStringSubmatch(text); len(m) > 1 {
		candidates = append(candidates, m[1])
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start != -1 && end > start {
		candidates = append(candidates, text[start:end+1])
	}

	for _, c := range candidates {
		var out analysisResponse
		if err := json.Unmarshal([]byte(c), &out); err != nil {
			continue
		}
		if out.Recommendation == "" || out.Confidence == nil {
			return nil, fmt.Errorf("ai: в ответе нет рекомендации или уверенности")
		}
		return &out, nil
	}
	return nil, fmt.Errorf("ai: ответ не содержит JSON")
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
