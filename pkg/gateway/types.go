package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Endpoint is one of the two logical endpoints of the similarity service.
type Endpoint string

const (
	EndpointSearch Endpoint = "search"
	EndpointAdd    Endpoint = "add"
)

// Path returns the HTTP path of the endpoint relative to the base address.
func (e Endpoint) Path() string {
	switch e {
	case EndpointSearch:
		return "/search-similar-images/"
	case EndpointAdd:
		return "/add-image/"
	default:
		return ""
	}
}

// ImageID is a result identifier. The service may send it as a number or a string.
type ImageID string

func (id *ImageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ImageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("image id must be a string or a number: %w", err)
	}
	*id = ImageID(n.String())
	return nil
}

// ImageResult is one ranked match. Similarity is in [0, 1], higher is closer;
// Distance is non-negative, lower is closer.
type ImageResult struct {
	ID         ImageID `json:"id"`
	Similarity float64 `json:"similarity"`
	Distance   float64 `json:"distance"`
	Path       string  `json:"path"`
}

// UploadResult is the record the service returns for a newly indexed image.
type UploadResult struct {
	ID               int64  `json:"id"`
	Path             string `json:"path"`
	SHA256           string `json:"sha256"`
	OriginalFilename string `json:"original_filename"`
}

// Response is the typed payload of a successful call. Results is set for
// EndpointSearch (possibly empty), Image for EndpointAdd.
type Response struct {
	Results []ImageResult
	Image   *UploadResult
}

type searchBody struct {
	Results *[]ImageResult `json:"results"`
}

type addBody struct {
	Image *UploadResult `json:"image"`
}

type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}
