package pii

// customPriority is the rank given to caller-supplied patterns that do not set one.
const customPriority = 1

func builtinRules() []PatternRule {
	return []PatternRule{
		{
			Category:         CategorySSN,
			Expression:       `\b\d{3}-\d{2}-\d{4}\b|\b\d{3} \d{2} \d{4}\b`,
			Validator:        ValidateSSN,
			DefaultStrategy:  StrategyRedact,
			Priority:         10,
			PartialSuffix:    4,
			EnabledByDefault: true,
			Description:      "US social security number",
		},
		{
			Category:         CategoryCreditCard,
			Expression:       `\b(?:\d[ -]?){12,18}\d\b`,
			Validator:        ValidateCreditCard,
			DefaultStrategy:  StrategyRedact,
			Priority:         10,
			PartialSuffix:    4,
			EnabledByDefault: true,
			Description:      "payment card number (13-19 digits, Luhn checked)",
		},
		{
			Category:         CategoryAWSKey,
			Expression:       `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`,
			DefaultStrategy:  StrategyRedact,
			Priority:         9,
			PartialPrefix:    4,
			EnabledByDefault: true,
			Description:      "AWS access key id",
		},
		{
			Category:         CategoryAPIKey,
			Expression:       `\b(?:sk|pk|rk)_(?:live|test)_[A-Za-z0-9]{16,}\b|\bgh[pousr]_[A-Za-z0-9]{36}\b|\bxox[baprs]-[A-Za-z0-9-]{10,}\b`,
			DefaultStrategy:  StrategyRedact,
			Priority:         9,
			PartialPrefix:    3,
			EnabledByDefault: true,
			Description:      "well-known API token formats (Stripe, GitHub, Slack)",
		},
		{
			Category:         CategoryBankAccount,
			Expression:       `\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,3})?\b`,
			Validator:        ValidateIBAN,
			DefaultStrategy:  StrategyRedact,
			Priority:         9,
			PartialPrefix:    4,
			PartialSuffix:    4,
			EnabledByDefault: true,
			Description:      "IBAN bank account number",
		},
		{
			Category:         CategoryEmail,
			Expression:       `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
			DefaultStrategy:  StrategyRedact,
			Priority:         8,
			PartialPrefix:    1,
			EnabledByDefault: true,
			Description:      "e-mail address",
		},
		{
			Category:         CategoryIPAddress,
			Expression:       `\b(?:\d{1,3}\.){3}\d{1,3}\b|\b(?:[0-9A-Fa-f]{1,4}:){7}[0-9A-Fa-f]{1,4}\b`,
			Validator:        ValidateIPAddress,
			DefaultStrategy:  StrategyRedact,
			Priority:         6,
			EnabledByDefault: true,
			Description:      "IPv4 or fully written IPv6 address",
		},
		{
			Category:         CategoryPhone,
			Expression:       `(?:\+\d{1,3}[ .-]?)?(?:\(\d{3}\)[ .-]?|\b\d{3}[ .-]?)\d{3}[ .-]?\d{4}\b`,
			Validator:        ValidatePhone,
			DefaultStrategy:  StrategyRedact,
			Priority:         5,
			PartialSuffix:    4,
			EnabledByDefault: true,
			Description:      "NANP or international phone number",
		},
		{
			Category:        CategoryDateOfBirth,
			Expression:      `\b(?:0?[1-9]|1[0-2])[/-](?:0?[1-9]|[12]\d|3[01])[/-](?:19|20)\d{2}\b|\b(?:19|20)\d{2}-(?:0[1-9]|1[0-2])-(?:0[1-9]|[12]\d|3[01])\b`,
			Validator:       ValidateDateOfBirth,
			DefaultStrategy: StrategyRedact,
			Priority:        4,
			PartialSuffix:   4,
			Description:     "calendar date that may be a date of birth",
		},
		{
			Category:        CategoryPassport,
			Expression:      `\b[A-Z]{1,2}\d{6,9}\b`,
			DefaultStrategy: StrategyRedact,
			Priority:        3,
			PartialSuffix:   3,
			Description:     "passport number",
		},
	}
}
