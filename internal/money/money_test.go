package money

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1500.50", 150050, false},
		{"0.01", 1, false},
		{"1000", 100000, false},
		{"-5", -500, false},
		{"1.005", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Parse(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestFormat(t *testing.T) {
	if got := Format(150050); got != "1500.50" {
		t.Errorf("Format(150050) = %q, want 1500.50", got)
	}
	if got := Format(1); got != "0.01" {
		t.Errorf("Format(1) = %q, want 0.01", got)
	}
}

func TestComputeSplit_HalfCustody(t *testing.T) {
	// 1000.00 at 50% custody, no commission: 500/500.
	s, err := ComputeSplit(100000, 50, 0)
	if err != nil {
		t.Fatalf("ComputeSplit: %v", err)
	}
	if s.Custody != 50000 || s.Release != 50000 || s.Commission != 0 {
		t.Errorf("got %+v, want 50000/50000/0", s)
	}
}

func TestComputeSplit_TruncatesNeverRoundsUp(t *testing.T) {
	// 0.01 at 33%: custody truncates to 0, release takes the remainder.
	s, err := ComputeSplit(1, 33, 0)
	if err != nil {
		t.Fatalf("ComputeSplit: %v", err)
	}
	if s.Custody != 0 || s.Release != 1 {
		t.Errorf("got %+v, want custody=0 release=1", s)
	}
}

func TestComputeSplit_SumInvariant(t *testing.T) {
	amounts := []int64{1, 99, 100000, 1234567}
	percents := []float64{0, 1, 33.33, 50, 99.99, 100}
	for _, amt := range amounts {
		for _, cp := range percents {
			for _, comm := range []float64{0, 2.5} {
				s, err := ComputeSplit(amt, cp, comm)
				if err != nil {
					t.Fatalf("ComputeSplit(%d, %v, %v): %v", amt, cp, comm, err)
				}
				if s.Custody+s.Release+s.Commission != amt {
					t.Errorf("ComputeSplit(%d, %v, %v): parts sum to %d",
						amt, cp, comm, s.Custody+s.Release+s.Commission)
				}
				if s.Custody < 0 || s.Release < 0 || s.Commission < 0 {
					t.Errorf("ComputeSplit(%d, %v, %v): negative part %+v", amt, cp, comm, s)
				}
			}
		}
	}
}

func TestComputeSplit_Invalid(t *testing.T) {
	if _, err := ComputeSplit(0, 50, 0); err == nil {
		t.Error("expected error for zero amount")
	}
	if _, err := ComputeSplit(100, 101, 0); err == nil {
		t.Error("expected error for percent > 100")
	}
	if _, err := ComputeSplit(100, -1, 0); err == nil {
		t.Error("expected error for negative percent")
	}
}

func TestUSDEquivalent(t *testing.T) {
	// 1000.00 MXN at 0.055 USD/MXN = 55.00 USD.
	got, err := USDEquivalent(100000, "0.055")
	if err != nil {
		t.Fatalf("USDEquivalent: %v", err)
	}
	if got != 5500 {
		t.Errorf("got %d, want 5500", got)
	}
	if _, err := USDEquivalent(100, "0"); err == nil {
		t.Error("expected error for zero rate")
	}
}
