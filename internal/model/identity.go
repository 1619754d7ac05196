package model

// Identity is the signed-in principal. It is read-only to everything except
// the auth layer, and lives from login to logout.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoUrl,omitempty"`
	Provider    string `json:"provider"`
	Anonymous   bool   `json:"anonymous"`
}

// Name is the display name snapshot written onto rooms and messages.
// Principals without a display name show up as Guest(xxxx), using the first
// four characters of their id.
func (i *Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	short := i.ID
	if len(short) > 4 {
		short = short[:4]
	}
	return "Guest(" + short + ")"
}
