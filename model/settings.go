package model

const DefaultScale = 0.5

// Settings is the persisted user configuration of a pipeline.
type Settings struct {
	VideoInput []string `json:"videoInput"`
	ModelPath  string   `json:"modelInput"`
	Scale      float64  `json:"scale"`
	Paused     bool     `json:"paused"`
}

func DefaultSettings() Settings {
	return Settings{
		VideoInput: []string{},
		Scale:      DefaultScale,
	}
}

func (s Settings) Clone() Settings {
	c := s
	c.VideoInput = append([]string{}, s.VideoInput...)
	return c
}
