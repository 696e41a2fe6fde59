// Пакет keycloak — HTTP-клиент к Keycloak Admin REST API.
// models.go — модели данных Keycloak.
package keycloak

// KeycloakUser — пользователь в Keycloak (UserRepresentation).
type KeycloakUser struct { //nolint:revive // stuttering допустим — внешний API Keycloak
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Enabled   bool   `json:"enabled"`
}

// RoleRepresentation — realm-роль Keycloak.
type RoleRepresentation struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Composite   bool   `json:"composite,omitempty"`
	ClientRole  bool   `json:"clientRole,omitempty"`
}

// RealmRepresentation — краткая информация о realm.
type RealmRepresentation struct {
	Realm   string `json:"realm"`
	Enabled bool   `json:"enabled"`
}

// userCreateRequest — тело POST /users.
type userCreateRequest struct {
	Username  string  `json:"username"`
	Email     *string `json:"email,omitempty"`
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
	Enabled   bool    `json:"enabled"`
}

// userUpdateRequest — тело PUT /users/{id}.
// Keycloak обновляет только переданные поля; пустая строка очищает атрибут.
type userUpdateRequest struct {
	Email     *string `json:"email,omitempty"`
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
	Enabled   *bool   `json:"enabled,omitempty"`
}

// roleCreateRequest — тело POST /roles.
type roleCreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
