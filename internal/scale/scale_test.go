package scale

import (
	"errors"
	"math/big"
	"testing"

	"priceScope/internal/oracle"
)

func TestConvertUpscale(t *testing.T) {
	got, err := Convert(big.NewInt(1500), 6, 18, 60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want, _ := new(big.Int).SetString("1500000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Fatalf("convert mismatch: %s != %s", got, want)
	}
}

func TestConvertDownscaleTruncates(t *testing.T) {
	got, err := Convert(big.NewInt(1999), 3, 0, 60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected truncation to 1, got %s", got)
	}
}

func TestConvertRoundTrip(t *testing.T) {
	cases := []struct {
		value  int64
		d1, d2 uint8
		exact  bool
	}{
		{123456789, 6, 18, true},
		{123456789, 18, 6, false},
		{1, 0, 30, true},
	}

	for _, tc := range cases {
		value := big.NewInt(tc.value)
		mid, err := Convert(value, tc.d1, tc.d2, 60)
		if err != nil {
			t.Fatalf("convert(%d, %d, %d): %v", tc.value, tc.d1, tc.d2, err)
		}
		back, err := Convert(mid, tc.d2, tc.d1, 60)
		if err != nil {
			t.Fatalf("convert back: %v", err)
		}
		if tc.exact && back.Cmp(value) != 0 {
			t.Fatalf("round trip changed value: %s != %s", back, value)
		}
		if !tc.exact && back.Cmp(value) > 0 {
			t.Fatalf("truncating round trip grew value: %s > %s", back, value)
		}
	}
}

func TestConvertRejectsOutOfBoundsDecimals(t *testing.T) {
	if _, err := Convert(big.NewInt(1), 61, 18, 60); err == nil {
		t.Fatalf("expected source decimals error")
	} else {
		var de *oracle.DecimalsError
		if !errors.As(err, &de) {
			t.Fatalf("expected DecimalsError, got %v", err)
		}
		if de.Field != "source decimals" || de.Value != 61 || de.Max != 60 {
			t.Fatalf("wrong error detail: %+v", de)
		}
	}

	if _, err := Convert(big.NewInt(1), 18, 27, 26); err == nil {
		t.Fatalf("expected target decimals error")
	} else {
		var de *oracle.DecimalsError
		if !errors.As(err, &de) || de.Field != "target decimals" {
			t.Fatalf("wrong error: %v", err)
		}
	}
}

func TestConvertNilValue(t *testing.T) {
	got, err := Convert(nil, 6, 18, 60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Sign() != 0 {
		t.Fatalf("expected zero, got %s", got)
	}
}
