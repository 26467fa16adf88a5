package pii

import "strings"

// Category names a class of detectable sensitive data.
type Category string

// Builtin categories.
const (
	CategorySSN         Category = "ssn"
	CategoryCreditCard  Category = "credit_card"
	CategoryEmail       Category = "email"
	CategoryPhone       Category = "phone"
	CategoryIPAddress   Category = "ip_address"
	CategoryBankAccount Category = "bank_account"
	CategoryAWSKey      Category = "aws_key"
	CategoryAPIKey      Category = "api_key"
	CategoryDateOfBirth Category = "date_of_birth"
	CategoryPassport    Category = "passport"
)

const customPrefix = "custom:"

// CustomCategory returns the category identifier for a caller-supplied pattern.
func CustomCategory(name string) Category {
	return Category(customPrefix + strings.TrimSpace(name))
}

// IsCustom reports whether c names a caller-supplied pattern.
func (c Category) IsCustom() bool {
	return strings.HasPrefix(string(c), customPrefix)
}

func (c Category) String() string {
	return string(c)
}
