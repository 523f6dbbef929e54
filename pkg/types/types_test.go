package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCopyHash(t *testing.T) {
	t.Parallel()

	openTime := time.Date(2025, 1, 9, 11, 11, 48, 0, time.UTC)
	got := CopyHash("mariosat2", "11046500", openTime)

	want := sha256.Sum256([]byte("mariosat2_11046500_2025-01-09T11:11:48"))
	if got != hex.EncodeToString(want[:]) {
		t.Errorf("CopyHash = %s, want digest of mariosat2_11046500_2025-01-09T11:11:48", got)
	}
	if len(got) != 64 {
		t.Errorf("CopyHash length = %d, want 64", len(got))
	}
}

func TestCopyHashUsesUTC(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+3", 3*3600)
	local := time.Date(2025, 1, 9, 14, 11, 48, 0, loc) // 11:11:48 UTC
	utc := time.Date(2025, 1, 9, 11, 11, 48, 0, time.UTC)

	if CopyHash("mariosat2", "11046500", local) != CopyHash("mariosat2", "11046500", utc) {
		t.Error("CopyHash must normalize open time to UTC")
	}
}

func TestCommentTag(t *testing.T) {
	t.Parallel()

	hash := CopyHash("mariosat2", "11046500", time.Date(2025, 1, 9, 11, 11, 48, 0, time.UTC))
	tag := CommentTag(hash)

	if len(tag) != len(CommentTagPrefix)+16 {
		t.Errorf("CommentTag length = %d, want prefix + 16 chars", len(tag))
	}
	if tag != CommentTagPrefix+hash[:16] {
		t.Errorf("CommentTag = %q, want %q", tag, CommentTagPrefix+hash[:16])
	}
}

func TestHashFromComment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		comment string
		want    string
	}{
		{"bare tag", "CA:a7f3b2c1d4e5f601", "a7f3b2c1d4e5f601"},
		{"tag with prefix text", "copy CA:a7f3b2c1d4e5f601", "a7f3b2c1d4e5f601"},
		{"tag with trailing words", "CA:a7f3b2c1d4e5f601 mirror", "a7f3b2c1d4e5f601"},
		{"no tag", "manual trade", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := HashFromComment(tt.comment); got != tt.want {
				t.Errorf("HashFromComment(%q) = %q, want %q", tt.comment, got, tt.want)
			}
		})
	}
}

func TestParseSide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      any
		want    Side
		wantErr bool
	}{
		{"numeric buy", float64(0), Buy, false},
		{"numeric sell", float64(1), Sell, false},
		{"string buy", "buy", Buy, false},
		{"string sell", "sell", Sell, false},
		{"string upper", "SELL", Sell, false},
		{"string numeric", "0", Buy, false},
		{"unknown number", float64(2), "", true},
		{"unknown string", "hold", "", true},
		{"nil", nil, "", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSide(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSide(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSide(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFlexSideJSON(t *testing.T) {
	t.Parallel()

	var p Position
	if err := json.Unmarshal([]byte(`{"ticket":"1","symbol":"EURUSD","type":0,"volume":0.1,"open_price":1.1,"current_price":1.1,"profit":0,"open_time":1736420708}`), &p); err != nil {
		t.Fatalf("unmarshal numeric type: %v", err)
	}
	if p.Type.Side() != Buy {
		t.Errorf("numeric type 0 = %q, want buy", p.Type)
	}

	if err := json.Unmarshal([]byte(`{"ticket":"1","symbol":"EURUSD","type":"sell","volume":0.1,"open_price":1.1,"current_price":1.1,"profit":0,"open_time":1736420708}`), &p); err != nil {
		t.Fatalf("unmarshal string type: %v", err)
	}
	if p.Type.Side() != Sell {
		t.Errorf("string type sell = %q, want sell", p.Type)
	}
}

func TestTicketJSON(t *testing.T) {
	t.Parallel()

	var p Position
	if err := json.Unmarshal([]byte(`{"ticket":11046500,"symbol":"EURUSD","type":1,"volume":0.1,"open_price":1.1,"current_price":1.1,"profit":0,"open_time":1}`), &p); err != nil {
		t.Fatalf("unmarshal numeric ticket: %v", err)
	}
	if p.Ticket != "11046500" {
		t.Errorf("numeric ticket = %q, want 11046500", p.Ticket)
	}

	if err := json.Unmarshal([]byte(`{"ticket":"22003300","symbol":"EURUSD","type":1,"volume":0.1,"open_price":1.1,"current_price":1.1,"profit":0,"open_time":1}`), &p); err != nil {
		t.Fatalf("unmarshal string ticket: %v", err)
	}
	if p.Ticket != "22003300" {
		t.Errorf("string ticket = %q, want 22003300", p.Ticket)
	}
}

func TestPositionsPayloadForms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantCount  int
		marketOpen bool
	}{
		{
			name:       "legacy bare list implies market open",
			body:       `[{"ticket":"1","symbol":"EURUSD","type":0,"volume":0.1,"open_price":1.1,"current_price":1.1,"profit":0,"open_time":1}]`,
			wantCount:  1,
			marketOpen: true,
		},
		{
			name:       "object with market_open false",
			body:       `{"positions":[],"market_open":false}`,
			wantCount:  0,
			marketOpen: false,
		},
		{
			name:       "object with market_open true",
			body:       `{"positions":[{"ticket":"1","symbol":"EURUSD","type":1,"volume":0.2,"open_price":1.1,"current_price":1.1,"profit":0,"open_time":1}],"market_open":true}`,
			wantCount:  1,
			marketOpen: true,
		},
		{
			name:       "object without market_open defaults open",
			body:       `{"positions":[]}`,
			wantCount:  0,
			marketOpen: true,
		},
		{
			name:       "legacy empty list",
			body:       `[]`,
			wantCount:  0,
			marketOpen: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var p PositionsPayload
			if err := json.Unmarshal([]byte(tt.body), &p); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(p.Positions) != tt.wantCount {
				t.Errorf("positions = %d, want %d", len(p.Positions), tt.wantCount)
			}
			if p.MarketOpen != tt.marketOpen {
				t.Errorf("market_open = %v, want %v", p.MarketOpen, tt.marketOpen)
			}
		})
	}
}

func TestNormalizeMarginLevel(t *testing.T) {
	t.Parallel()

	d := func(s string) decimal.Decimal {
		v, err := decimal.NewFromString(s)
		if err != nil {
			t.Fatalf("decimal %q: %v", s, err)
		}
		return v
	}

	tests := []struct {
		name     string
		reported string
		equity   string
		margin   string
		want     string
	}{
		{"zero margin stores sentinel", "0", "1000", "0", "999999"},
		{"negative margin stores sentinel", "150", "1000", "-5", "999999"},
		{"sane level kept", "250.5", "1000", "400", "250.5"},
		{"overflowed level recomputed", "12345678", "1000", "400", "250"},
		{"negative level recomputed", "-1", "1500", "500", "300"},
		{"boundary 100000 kept", "100000", "1000", "1", "100000"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NormalizeMarginLevel(d(tt.reported), d(tt.equity), d(tt.margin))
			if !got.Equal(d(tt.want)) {
				t.Errorf("NormalizeMarginLevel = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCopyStatusTerminal(t *testing.T) {
	t.Parallel()

	if CopyPending.Terminal() || CopyExecuted.Terminal() {
		t.Error("pending/executed must be non-terminal")
	}
	if !CopyClosed.Terminal() || !CopyFailed.Terminal() {
		t.Error("closed/failed must be terminal")
	}
}
