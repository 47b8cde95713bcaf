package models

// UACAccountDisable is the ACCOUNTDISABLE bit of userAccountControl.
const UACAccountDisable = 0x0002

// DirectoryRecord is read through per request and never cached.
type DirectoryRecord struct {
	EmployeeID         string `json:"employee_id"`
	DN                 string `json:"-"`
	DisplayName        string `json:"display_name"`
	Department         string `json:"department"`
	Email              string `json:"email"`
	AccountEnabled     bool   `json:"account_enabled"`
	UserAccountControl int64  `json:"-"`
}

// Disabled checks both the explicit flag and the directory-native bit.
func (r *DirectoryRecord) Disabled() bool {
	return !r.AccountEnabled || r.UserAccountControl&UACAccountDisable != 0
}
