package domain_test

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/domain"
)

func TestAwakeableID_RoundTrip(t *testing.T) {
	cases := []struct {
		jobID string
		index int
	}{
		{"j1", 0},
		{"job-with-dashes", 7},
		{"job_2024.01", 12345},
		{"a", 1},
	}
	for _, tc := range cases {
		id := domain.AwakeableID(tc.jobID, tc.index)
		assert.True(t, strings.HasPrefix(id, "prom_1"))
		// url-safe alphabet only
		assert.NotContains(t, id, "+")
		assert.NotContains(t, id, "/")
		assert.NotContains(t, id, "=")

		jobID, idx, err := domain.ParseAwakeableID(id)
		require.NoError(t, err)
		assert.Equal(t, tc.jobID, jobID)
		assert.Equal(t, tc.index, idx)
	}
}

func TestAwakeableID_EncodesOrigin(t *testing.T) {
	id := domain.AwakeableID("j1", 3)
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(id, "prom_1"))
	require.NoError(t, err)
	assert.Equal(t, "j1:3", string(raw))
}

func TestParseAwakeableID_Strict(t *testing.T) {
	cases := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"wrong prefix", "prom_2" + base64.RawURLEncoding.EncodeToString([]byte("j1:0"))},
		{"no prefix", base64.RawURLEncoding.EncodeToString([]byte("j1:0"))},
		{"empty body", "prom_1"},
		{"invalid base64", "prom_1!!!!"},
		{"missing colon", "prom_1" + base64.RawURLEncoding.EncodeToString([]byte("j1-0"))},
		{"empty job", "prom_1" + base64.RawURLEncoding.EncodeToString([]byte(":3"))},
		{"empty index", "prom_1" + base64.RawURLEncoding.EncodeToString([]byte("j1:"))},
		{"non-numeric index", "prom_1" + base64.RawURLEncoding.EncodeToString([]byte("j1:x"))},
		{"negative index", "prom_1" + base64.RawURLEncoding.EncodeToString([]byte("j1:-1"))},
		{"bad job alphabet", "prom_1" + base64.RawURLEncoding.EncodeToString([]byte("j 1:0"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := domain.ParseAwakeableID(tc.id)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}
