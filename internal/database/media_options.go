package database

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowpbx/tenantgw/internal/database/models"
)

// decodeMediaOptions parses a media_options JSON object. Empty columns
// decode to an empty map.
func decodeMediaOptions(raw string) (models.MediaOptions, error) {
	opts := models.MediaOptions{}
	if strings.TrimSpace(raw) == "" {
		return opts, nil
	}
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil, fmt.Errorf("decoding media options: %w", err)
	}
	return opts, nil
}
