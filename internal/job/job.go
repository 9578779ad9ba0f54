package job

import "time"

// Job is one customer service request tracked through its lifecycle.
// Rows are never deleted: cancellation and exhaustion are terminal statuses.
type Job struct {
	ID           string  `json:"id"`
	CustomerID   string  `json:"customerId"`
	TechnicianID *string `json:"technicianId"`
	ServiceID    string  `json:"serviceId"`

	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	AddressText string  `json:"addressText"`
	Description *string `json:"description"`

	InitialPrice    float64  `json:"initialPrice"`
	TechnicianPrice *float64 `json:"technicianPrice"`
	CounterOffer    *float64 `json:"counterOffer"`
	FinalPrice      *float64 `json:"finalPrice"`
	PriceNotes      *string  `json:"priceNotes"`

	Status Status `json:"status"`

	// Search metadata, owned by the dispatcher and the retry scheduler.
	SearchRadius   int        `json:"searchRadius"`
	TierIndex      int        `json:"tierIndex"`
	SearchAttempts int        `json:"searchAttempts"`
	LastSearchAt   *time.Time `json:"lastSearchAt"`
	NextRetryAt    *time.Time `json:"nextRetryAt"`

	CancelledBy    *string `json:"cancelledBy"`
	CancelReason   *string `json:"cancelReason"`
	CustomerRating *int    `json:"customerRating"`
	CustomerReview *string `json:"customerReview"`

	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	AcceptedAt       *time.Time `json:"acceptedAt"`
	PriceConfirmedAt *time.Time `json:"priceConfirmedAt"`
	CompletedAt      *time.Time `json:"completedAt"`
	RatedAt          *time.Time `json:"ratedAt"`
	CancelledAt      *time.Time `json:"cancelledAt"`
}

// IsParty returns true when userID is the customer or the assigned technician.
func (j *Job) IsParty(userID string) bool {
	if j.CustomerID == userID {
		return true
	}
	return j.TechnicianID != nil && *j.TechnicianID == userID
}

// CreateParams carries the validated inputs for a new job row.
type CreateParams struct {
	CustomerID   string
	ServiceID    string
	Lat          float64
	Lng          float64
	AddressText  string
	Description  *string
	InitialPrice float64
}
