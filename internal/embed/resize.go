// Package embed holds the widget's boundary contract with its hosting page.
package embed

import "encoding/json"

const ResizeType = "CHATBOT_RESIZE"

// Signal is posted to the hosting page whenever the widget opens or closes.
type Signal struct {
	Type         string `json:"type"`
	IsOpen       bool   `json:"isOpen"`
	Width        string `json:"width"`
	Height       string `json:"height"`
	BorderRadius string `json:"borderRadius"`
}

func Resize(isOpen bool) Signal {
	if isOpen {
		return Signal{Type: ResizeType, IsOpen: true, Width: "384px", Height: "700px", BorderRadius: "16px"}
	}
	return Signal{Type: ResizeType, IsOpen: false, Width: "64px", Height: "64px", BorderRadius: "50%"}
}

// JSON encodes s in the shape the host listener expects.
func (s Signal) JSON() string {
	raw, _ := json.Marshal(s)
	return string(raw)
}
