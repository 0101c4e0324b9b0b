package model

type Template struct {
	Base
	Name    string `json:"name" db:"name"`
	Subject string `json:"subject" db:"subject"`
	HTML    string `json:"html" db:"html"`
}
