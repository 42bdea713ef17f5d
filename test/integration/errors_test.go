package integration

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/rhuss/toolmux/pkg/api"
)

func TestRequestErrors(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		wantStatus  int
		wantParam   string
	}{
		{"malformed json", `{"tool":`, "application/json", http.StatusBadRequest, "body"},
		{"missing tool", `{}`, "application/json", http.StatusBadRequest, "tool"},
		{"arguments not an object", `{"tool":"echo","arguments":"x"}`, "application/json", http.StatusBadRequest, "arguments"},
		{"wrong content type", `{"tool":"echo"}`, "text/plain", http.StatusUnsupportedMediaType, "content_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(testEnv.BaseURL()+"/v1/invocations", tt.contentType, bytes.NewBufferString(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var er api.ErrorResponse
			decodeJSON(t, resp, &er)
			if er.Error == nil || er.Error.Type != api.ErrorTypeInvalidRequest || er.Error.Param != tt.wantParam {
				t.Errorf("error = %+v, want invalid_request on %q", er.Error, tt.wantParam)
			}
		})
	}
}

func TestUnknownInvocationID(t *testing.T) {
	resp := getURL(t, testEnv.BaseURL()+"/v1/invocations/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = deleteURL(t, testEnv.BaseURL()+"/v1/invocations/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("DELETE status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}
