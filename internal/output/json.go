package output

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

// Format renders the view data as JSON.
func (f *JSONFormatter) Format(view View) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(view.Data, "", "  ")
	} else {
		data, err = json.Marshal(view.Data)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// YAMLFormatter renders results as YAML.
type YAMLFormatter struct{}

// Format renders the view data as YAML.
func (f *YAMLFormatter) Format(view View) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(view.Data); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
