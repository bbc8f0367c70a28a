package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/happymeter/internal/domain"
)

func TestNote_UnmarshalJSON(t *testing.T) {
	tests := map[string]struct {
		in    string
		valid bool
		value int
		out   string
	}{
		"integer note is valid": {
			in: `{"note":5}`, valid: true, value: 5, out: `{"note":5}`,
		},
		"missing note is not valid": {
			in: `{}`, out: `{"note":null}`,
		},
		"null note is not valid": {
			in: `{"note":null}`, out: `{"note":null}`,
		},
		"string note is kept but not valid": {
			in: `{"note":"5"}`, out: `{"note":"5"}`,
		},
		"fractional note is kept but not valid": {
			in: `{"note":4.5}`, out: `{"note":4.5}`,
		},
		"integral decimal note is valid and kept as written": {
			in: `{"note":5.0}`, valid: true, value: 5, out: `{"note":5.0}`,
		},
		"integral exponent note is valid and kept as written": {
			in: `{"note":5e0}`, valid: true, value: 5, out: `{"note":5e0}`,
		},
		"negative integral decimal note is valid": {
			in: `{"note":-2.00}`, valid: true, value: -2, out: `{"note":-2.00}`,
		},
		"out of range note is kept but not valid": {
			in: `{"note":1e300}`, out: `{"note":1e300}`,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var r domain.Rating
			require.NoError(t, json.Unmarshal([]byte(tt.in), &r))
			assert.Equal(t, tt.valid, r.Note.Valid)
			assert.Equal(t, tt.value, r.Note.Value)

			b, err := json.Marshal(r)
			require.NoError(t, err)
			assert.Equal(t, tt.out, string(b))
		})
	}
}

func TestRating_UnmarshalJSON(t *testing.T) {
	tests := map[string]struct {
		in    string
		valid map[string]bool
	}{
		"null entry is kept but not valid": {
			in:    `{"accueil":{"note":5},"horaires":null}`,
			valid: map[string]bool{"accueil": true, "horaires": false},
		},
		"string entry is kept but not valid": {
			in:    `{"accueil":{"note":5},"source":"tablet"}`,
			valid: map[string]bool{"accueil": true, "source": false},
		},
		"number entry is kept but not valid": {
			in:    `{"accueil":5}`,
			valid: map[string]bool{"accueil": false},
		},
		"array entry is kept but not valid": {
			in:    `{"accueil":[1,2]}`,
			valid: map[string]bool{"accueil": false},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var ratings map[string]domain.Rating
			require.NoError(t, json.Unmarshal([]byte(tt.in), &ratings))

			valid := make(map[string]bool, len(ratings))
			for q, r := range ratings {
				valid[q] = r.Note.Valid
			}
			assert.Equal(t, tt.valid, valid)

			b, err := json.Marshal(ratings)
			require.NoError(t, err)
			assert.Equal(t, tt.in, string(b))
		})
	}
}

func TestAccount_Assigned(t *testing.T) {
	a := domain.Account{Username: "admin", AssignedKiosks: []string{"gare", "nord"}, IsAdmin: true}

	assert.True(t, a.Assigned("gare"))
	assert.True(t, a.Assigned("nord"))
	assert.False(t, a.Assigned("sud"))
}
