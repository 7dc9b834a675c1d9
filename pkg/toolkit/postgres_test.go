package toolkit

import "testing"

func TestQuoteQualified(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"parcels", `"parcels"`},
		{"gis.parcels", `"gis"."parcels"`},
		{`odd"name`, `"odd""name"`},
		{"gis.mixed.case", `"gis"."mixed"."case"`},
	}
	for _, c := range cases {
		if got := quoteQualified(c.in); got != c.want {
			t.Errorf("quoteQualified(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestNewPostgresRequiresDSN(t *testing.T) {
	if _, err := NewPostgres(Config{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
