package backend

// ChatRequest represents the request body for the /chat endpoint
type ChatRequest struct {
	Message    string   `json:"message"`
	Language   string   `json:"language,omitempty"`
	ZScore     *float64 `json:"z_score,omitempty"`
	District   string   `json:"district,omitempty"`
	DistrictID *int     `json:"district_id,omitempty"`
	Stream     bool     `json:"stream,omitempty"`
}

// ChatResponse represents a non-streaming reply from /chat
type ChatResponse struct {
	Message string   `json:"message"`
	Route   string   `json:"route,omitempty"` // "sql" or "vector"
	Sources []string `json:"sources,omitempty"`
}

// District represents one entry from /districts
type District struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	NameSi string `json:"name_si,omitempty"`
	NameTa string `json:"name_ta,omitempty"`
}

// EligibilityRequest represents the request body for /eligibility
type EligibilityRequest struct {
	ZScore     float64 `json:"z_score"`
	District   string  `json:"district,omitempty"`
	DistrictID *int    `json:"district_id,omitempty"`
	Year       int     `json:"year,omitempty"`
	Language   string  `json:"language,omitempty"`
}

// EligibilityResult represents a single eligible course
type EligibilityResult struct {
	University  string  `json:"university"`
	Course      string  `json:"course"`
	CourseCode  string  `json:"course_code"`
	CutoffScore float64 `json:"cutoff_score"`
	Intake      int     `json:"intake,omitempty"`
	Faculty     string  `json:"faculty,omitempty"`
}

// EligibilityResponse represents the response from /eligibility
type EligibilityResponse struct {
	Year          int                 `json:"year"`
	TotalEligible int                 `json:"total_eligible"`
	Results       []EligibilityResult `json:"results"`
}

// ErrorBody is the optional JSON body of a non-2xx response
type ErrorBody struct {
	Message string `json:"message"`
}
