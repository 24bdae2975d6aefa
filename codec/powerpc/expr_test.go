package powerpc

import "testing"

func TestEvalExprLiterals(t *testing.T) {
	cases := []struct {
		expr string
		want int64
	}{
		{"0x10", 0x10},
		{"0b101", 5},
		{"42", 42},
		{"0x10 + 0x20", 0x30},
		{"0x30 - 0x10", 0x20},
		{"0x0F | 0xF0", 0xFF},
		{"0xFF & 0x0F", 0x0F},
		{"-0x10", -0x10},
		{"(0x10 + 0x10)", 0x20},
	}
	for _, c := range cases {
		got, ok := evalExpr(c.expr, 0)
		if !ok {
			t.Errorf("evalExpr(%q) failed", c.expr)
			continue
		}
		if got != c.want {
			t.Errorf("evalExpr(%q) = %#x, want %#x", c.expr, got, c.want)
		}
	}
}

func TestEvalExprRejectsMultiplication(t *testing.T) {
	if _, ok := evalExpr("0x10 * 2", 0); ok {
		t.Error("evalExpr should reject '*', which is outside the grammar")
	}
}

func TestEvalExprBase(t *testing.T) {
	got, ok := evalExpr("BASE + 0x100", -0x300000)
	if !ok {
		t.Fatal("evalExpr with BASE failed")
	}
	if want := int64(-0x300000 + 0x100); got != want {
		t.Errorf("got %#x, want %#x", got, want)
	}
}

func TestEvalExprNamedConstant(t *testing.T) {
	got, ok := evalExpr("PMDT_Available", 0)
	if !ok || got != 0xA01 {
		t.Errorf("evalExpr(PMDT_Available) = %#x, %v; want 0xA01, true", got, ok)
	}
}

func TestEvalExprRejectsUnsafeInput(t *testing.T) {
	for _, expr := range []string{
		"os.Exit(1)",
		"0x10; rm -rf /",
		"1 / 0",
	} {
		if _, ok := evalExpr(expr, 0); ok {
			t.Errorf("evalExpr(%q) should have been rejected", expr)
		}
	}
}
