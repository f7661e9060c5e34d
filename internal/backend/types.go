package backend

import "time"

// Session holds the credentials returned by a successful login.
type Session struct {
	UserID      string `json:"userId"`
	AccessToken string `json:"accessToken"`
	DisplayName string `json:"displayName"`
}

// RemoteUser is one row from the user management search endpoint.
type RemoteUser struct {
	ID          string `json:"id"`
	Username    string `json:"userName"`
	DisplayName string `json:"displayName"`
}

// RemoteGroup is one student group known to the backend.
type RemoteGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RemoteRole is a backend role and its full membership list.
type RemoteRole struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	UserIDs []string `json:"userIds"`
}

// CharacterSetup is the combined initialization payload: cosmetic equipment,
// the resolved display name, and the optional age and phone number. Zero
// values for Age and PhoneNumber are omitted from the wire payload.
type CharacterSetup struct {
	DisplayName string            `json:"displayName"`
	Equipment   map[string]string `json:"equipment"`
	Age         int               `json:"age,omitempty"`
	PhoneNumber string            `json:"phoneNumber,omitempty"`
}

// CreateClassParams describes a new class bound to a freshly created group.
type CreateClassParams struct {
	Name       string    `json:"name"`
	GroupID    string    `json:"groupId"`
	Grade      int       `json:"grade"`
	TeacherIDs []string  `json:"teacherIds"`
	StartDate  time.Time `json:"startDate"`
	EndDate    time.Time `json:"endDate"`
}
