package models

// Requests for the HTTP endpoints. Dates are YYYY-MM-DD.

type BackfillRequest struct {
	Symbols          []string `json:"symbols" validate:"required,min=1,dive,required,symbol"`
	StartDate        string   `json:"start_date" validate:"omitempty,ymd"`
	EndDate          string   `json:"end_date" validate:"omitempty,ymd"`
	ForceFullRefresh bool     `json:"force_full_refresh"`
	ForceStartDate   string   `json:"force_start_date" validate:"omitempty,ymd"`
}

type AnomalyDetectRequest struct {
	Symbol    string  `query:"symbol" json:"symbol" validate:"omitempty,symbol"`
	Start     string  `query:"start" json:"start" validate:"omitempty,ymd"`
	End       string  `query:"end" json:"end" validate:"omitempty,ymd"`
	Threshold float64 `query:"threshold" json:"threshold" default:"0.2" validate:"gt=0,lte=10"`
}

// AnomalyFixRequest mirrors the fix endpoint body. Omitted pointer fields fall back
// to the configured repair defaults. A refetchValidationThreshold of 0 disables validation.
type AnomalyFixRequest struct {
	Symbol                     string   `query:"symbol" json:"symbol" validate:"omitempty,symbol"`
	Start                      string   `query:"start" json:"start" validate:"omitempty,ymd"`
	End                        string   `query:"end" json:"end" validate:"omitempty,ymd"`
	Threshold                  float64  `query:"threshold" json:"threshold" default:"0.2" validate:"gt=0,lte=10"`
	RefetchOnly                *bool    `query:"refetchOnly" json:"refetchOnly"`
	RefetchPaddingDays         *int     `query:"refetchPaddingDays" json:"refetchPaddingDays" validate:"omitempty,gte=0,lte=60"`
	RefetchValidationThreshold *float64 `query:"refetchValidationThreshold" json:"refetchValidationThreshold" validate:"omitempty,gte=0"`
	RuleVersion                string   `query:"ruleVersion" json:"ruleVersion" validate:"omitempty,max=64"`
}

type ReturnsRequest struct {
	Symbols []string `json:"symbols" validate:"omitempty,dive,required,symbol"`
}
