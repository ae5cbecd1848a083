package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/chopsticks/errs"
)

func TestParseOperationType(t *testing.T) {
	op, err := ParseOperationType(" UPLOAD ")
	require.NoError(t, err)
	assert.Equal(t, OpUpload, op)

	_, err = ParseOperationType("copy")
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestRecordValidate(t *testing.T) {
	valid := OperationRecord{OperationType: OpDownload, Duration: time.Millisecond, SizeBytes: 10}
	assert.NoError(t, valid.Validate())

	cases := map[string]OperationRecord{
		"negative duration": {OperationType: OpUpload, Duration: -time.Second},
		"negative size":     {OperationType: OpUpload, SizeBytes: -1},
		"unknown type":      {OperationType: "rename"},
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			err := rec.Validate()
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindValidation))
		})
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorCategory
	}{
		{"", ErrUnknown},
		{"context deadline exceeded", ErrTimeout},
		{"dial tcp 10.0.0.1:9000: connection refused", ErrConnection},
		{"operation error S3: GetObject, NoSuchKey", ErrNotFound},
		{"AccessDenied: Access Denied", ErrPermission},
		{"SlowDown: please reduce your request rate", ErrThrottled},
		{"InvalidArgument: invalid range", ErrValidation},
		{"InternalError: we encountered an internal error", ErrServer},
		{"something odd happened", ErrUnknown},
		{"https response error StatusCode: 403, RequestID: 5034290A, HostID: x429y, api error AccessDenied: Access Denied", ErrPermission},
		{"https response error StatusCode: 404, RequestID: 5035034290, HostID: 4294294, api error Unknown", ErrNotFound},
		{"https response error StatusCode: 503, RequestID: 1234, HostID: 404", ErrThrottled},
		{"upload failed, RequestID: 503429", ErrUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyError(tc.msg), tc.msg)
	}
}

func TestStatusCategory(t *testing.T) {
	cases := map[int]ErrorCategory{
		200: ErrUnknown,
		400: ErrValidation,
		401: ErrPermission,
		403: ErrPermission,
		404: ErrNotFound,
		408: ErrTimeout,
		416: ErrValidation,
		429: ErrThrottled,
		500: ErrServer,
		502: ErrServer,
		503: ErrThrottled,
	}
	for code, want := range cases {
		assert.Equal(t, want, StatusCategory(code), code)
	}
}

func TestRecordCategory(t *testing.T) {
	ok := OperationRecord{OperationType: OpUpload, Success: true, ErrorMessage: "timeout"}
	assert.Equal(t, ErrorCategory(""), ok.Category())

	forced := OperationRecord{
		OperationType: OpUpload,
		ErrorMessage:  "timeout",
		Metadata:      map[string]string{MetadataErrorCategory: "throttled"},
	}
	assert.Equal(t, ErrThrottled, forced.Category())

	bogus := OperationRecord{
		OperationType: OpUpload,
		ErrorMessage:  "timeout",
		Metadata:      map[string]string{MetadataErrorCategory: "cosmic-rays"},
	}
	assert.Equal(t, ErrTimeout, bogus.Category())
}

func TestNewTestConfiguration(t *testing.T) {
	cfg := NewTestConfiguration("small_objects", "s3", "dummy", 4)
	assert.Len(t, cfg.RunID, 36)
	assert.False(t, cfg.StartTime.IsZero())
	assert.Equal(t, 4, cfg.Concurrency)
}
