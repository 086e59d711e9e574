package app

import "fmt"

// DomainError is an error that already knows how to present itself over
// HTTP. mapError passes it through untouched; everything else gets the
// sentinel-to-status translation.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}
