package classification

import "testing"

func TestClassify_NoCode(t *testing.T) {
	c := NewClassifier(nil)

	cases := []string{"", "   ", "N/A", "---", "abc"}
	for _, raw := range cases {
		codeType, cleaned := c.Classify(raw, "Jumbo")
		if codeType != TypeNone {
			t.Errorf("Classify(%q) type = %s, want NONE", raw, codeType)
		}
		if cleaned != "" {
			t.Errorf("Classify(%q) cleaned = %q, want empty", raw, cleaned)
		}
	}
}

func TestClassify_EAN(t *testing.T) {
	c := NewClassifier(nil)

	cases := []struct {
		raw     string
		cleaned string
	}{
		{"7702047041482", "7702047041482"},
		{"77020470", "77020470"},
		{"770-2047-041482", "7702047041482"},
		{" 7701234567890 ", "7701234567890"},
	}
	for _, tc := range cases {
		codeType, cleaned := c.Classify(tc.raw, "Jumbo")
		if codeType != TypeEAN {
			t.Errorf("Classify(%q) type = %s, want EAN", tc.raw, codeType)
		}
		if cleaned != tc.cleaned {
			t.Errorf("Classify(%q) cleaned = %q, want %q", tc.raw, cleaned, tc.cleaned)
		}
	}
}

func TestClassify_PLU(t *testing.T) {
	c := NewClassifier(nil)

	for _, raw := range []string{"104", "1045", "9999999", "PLU-1045"} {
		codeType, _ := c.Classify(raw, "Olimpica")
		if codeType != TypePLU {
			t.Errorf("Classify(%q) type = %s, want PLU", raw, codeType)
		}
	}
}

func TestClassify_Unknown(t *testing.T) {
	c := NewClassifier(nil)

	for _, raw := range []string{"1", "42", "A7"} {
		codeType, _ := c.Classify(raw, "Olimpica")
		if codeType != TypeUnknown {
			t.Errorf("Classify(%q) type = %s, want UNKNOWN", raw, codeType)
		}
	}
}

// Chains on the override list encode store-local codes in barcode-length
// strings; those must never be treated as universal codes.
func TestClassify_ChainOverride(t *testing.T) {
	c := NewClassifier([]string{"D1", "Justo y Bueno"})

	codeType, cleaned := c.Classify("88000123456", "d1")
	if codeType != TypePLU {
		t.Errorf("override chain: type = %s, want PLU", codeType)
	}
	if cleaned != "88000123456" {
		t.Errorf("override chain: cleaned = %q", cleaned)
	}

	// Same code at a non-override chain stays an EAN.
	codeType, _ = c.Classify("88000123456", "Jumbo")
	if codeType != TypeEAN {
		t.Errorf("regular chain: type = %s, want EAN", codeType)
	}

	// Short codes are PLU regardless of the override list.
	codeType, _ = c.Classify("1045", "d1")
	if codeType != TypePLU {
		t.Errorf("override chain short code: type = %s, want PLU", codeType)
	}
}

// Classification is total and deterministic: same input, same output.
func TestClassify_Deterministic(t *testing.T) {
	c := NewClassifier([]string{"d1"})

	inputs := []struct{ raw, chain string }{
		{"7702047041482", "Jumbo"},
		{"7702047041482", "d1"},
		{"1045", "Olimpica"},
		{"", ""},
		{"x9y", "Exito"},
	}
	for _, in := range inputs {
		t1, c1 := c.Classify(in.raw, in.chain)
		for i := 0; i < 10; i++ {
			t2, c2 := c.Classify(in.raw, in.chain)
			if t1 != t2 || c1 != c2 {
				t.Fatalf("Classify(%q, %q) not deterministic", in.raw, in.chain)
			}
		}
	}
}
