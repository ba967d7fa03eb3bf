package tier

import (
	"errors"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/gophoto/photoflow/internal/model"
)

func TestClassifyQuotaIsPermanent(t *testing.T) {
	backendErr := minio.ErrorResponse{
		Code:    "QuotaExceeded",
		Message: "bucket quota exceeded",
	}

	err := classify("put hot/a/b/thumbnail.jpg", backendErr)

	var quota *model.QuotaError
	if !errors.As(err, &quota) {
		t.Fatalf("err = %T, want *model.QuotaError", err)
	}
	if model.IsTransient(err) {
		t.Error("quota rejection classified transient")
	}
	if !model.IsPermanent(err) {
		t.Error("quota rejection not classified permanent")
	}
	// The backend text survives for operator alerting.
	if quota.Err == nil || !strings.Contains(quota.Err.Error(), "bucket quota exceeded") {
		t.Errorf("backend text lost in classification: %v", quota.Err)
	}
}

func TestClassifyBackendBlipIsTransient(t *testing.T) {
	cases := []error{
		errors.New("connection reset by peer"),
		minio.ErrorResponse{Code: "SlowDown", Message: "please reduce request rate"},
	}

	for _, backendErr := range cases {
		err := classify("load cold/k", backendErr)

		if !model.IsTransient(err) {
			t.Errorf("%v not classified transient", backendErr)
		}
		if model.IsPermanent(err) {
			t.Errorf("%v classified permanent", backendErr)
		}
	}
}

func TestIsNoSuchKey(t *testing.T) {
	if !isNoSuchKey(minio.ErrorResponse{Code: "NoSuchKey"}) {
		t.Error("NoSuchKey response not recognized")
	}
	if isNoSuchKey(errors.New("connection reset")) {
		t.Error("generic error mistaken for a missing key")
	}
}
