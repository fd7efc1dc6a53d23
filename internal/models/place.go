package models

type Place struct {
	PlaceID             string `json:"place_id"`
	OwnerID             string `json:"owner_id"`
	Name                string `json:"name"`
	IsApproved          bool   `json:"is_approved"`
	AverageServiceTime  int    `json:"average_service_time"`
	CurrentServingToken string `json:"current_serving_token,omitempty"`
}

type Counter struct {
	CounterID           string `json:"counter_id"`
	PlaceID             string `json:"place_id"`
	Name                string `json:"name"`
	AverageServiceTime  int    `json:"average_service_time"`
	OpeningTime         string `json:"opening_time"`
	ClosingTime         string `json:"closing_time"`
	CurrentServingToken string `json:"current_serving_token,omitempty"`
}

// ServiceMinutes picks the counter's average service time, falling back to the place's
// and then to fallback.
func ServiceMinutes(place Place, counter *Counter, fallback int) int {
	if counter != nil && counter.AverageServiceTime > 0 {
		return counter.AverageServiceTime
	}
	if place.AverageServiceTime > 0 {
		return place.AverageServiceTime
	}
	return fallback
}
