package models

import "github.com/google/uuid"

// Роли пользователей, которым доступны административные операции.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

// Actor инициатор операции. Передаётся явно в каждый вызов ядра.
type Actor struct {
	ID      uuid.UUID
	Role    string
	IsStaff bool
	System  bool
}

// SystemActor используется внутренними процессами (подтверждение доставки, решение спора).
var SystemActor = Actor{ID: uuid.Nil, Role: "system", IsStaff: true, System: true}

// NewActor строит Actor по идентификатору и роли из токена.
func NewActor(id uuid.UUID, role string) Actor {
	return Actor{ID: id, Role: role, IsStaff: role == RoleAdmin || role == RoleAgent}
}
