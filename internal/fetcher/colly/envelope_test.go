package collyfetcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		requested int
		want      envelope
		wantErr   bool
	}{
		{
			name:      "middle page",
			body:      `{"records":[{"a":1},{"a":2}],"total_pages":3,"current_page":2}`,
			requested: 2,
			want:      envelope{records: 2, currentPage: 2, totalPages: 3, hasNext: true},
		},
		{
			name:      "last page",
			body:      `{"records":[{"a":1}],"total_pages":3,"current_page":3}`,
			requested: 3,
			want:      envelope{records: 1, currentPage: 3, totalPages: 3},
		},
		{
			name:      "empty records stop even with more pages",
			body:      `{"records":[],"total_pages":9,"current_page":1}`,
			requested: 1,
			want:      envelope{records: 0, currentPage: 1, totalPages: 9},
		},
		{
			name:      "next page link",
			body:      `{"records":[1],"next_page":"/v1/prices?page_number=2"}`,
			requested: 1,
			want:      envelope{records: 1, currentPage: 1, hasNext: true},
		},
		{
			name:      "null next page overrides totals",
			body:      `{"records":[1],"total_pages":5,"current_page":1,"next_page":null}`,
			requested: 1,
			want:      envelope{records: 1, currentPage: 1, totalPages: 5},
		},
		{
			name:      "no indicator",
			body:      `{"records":[1,2,3]}`,
			requested: 4,
			want:      envelope{records: 3, currentPage: 4},
		},
		{name: "not json", body: `<html>`, wantErr: true},
		{name: "missing records", body: `{"total_pages":1}`, wantErr: true},
		{name: "records not array", body: `{"records":{"a":1}}`, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := decodeEnvelope([]byte(tc.body), tc.requested)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
