package models

// User is the slice of identity the delivery engine reads from the content store.
type User struct {
	ID    string `json:"id" gorm:"primaryKey"`
	Email string `json:"email"`
}
