package model

// Exercise is one row of the read-only exercises table.
type Exercise struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	TargetMuscle string `json:"target_muscle,omitempty"`
	Notes        string `json:"notes"`
	VideoURL     string `json:"video"`
}
