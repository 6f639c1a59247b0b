package domain

// Role: роль вызывающего, полученная из токена.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
	// RoleSystem используется фоновыми воркерами и CLI оператора.
	RoleSystem Role = "system"
)

// Actor: идентичность вызывающего.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor возвращает актора для внутренних операций.
func SystemActor(name string) Actor {
	return Actor{ID: name, Role: RoleSystem}
}

// IsAdmin сообщает, может ли актор выполнять административные переходы.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

// CanConsumeTickets сообщает, может ли актор гасить билеты.
func (a Actor) CanConsumeTickets() bool {
	return a.Role == RoleStaff || a.IsAdmin()
}

// CanAccess проверяет доступ к покупке: владелец или администратор.
func (a Actor) CanAccess(p Purchase) bool {
	return a.IsAdmin() || (a.ID != "" && a.ID == p.OwnerID)
}
