package calc

import (
	"errors"
	"testing"
)

func TestEval(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{"2+2", "4"},
		{"7/2", "3.5"},
		{" 2 + 3 * 4 ", "14"},
		{"(2 + 3) * 4", "20"},
		{"-2**2", "-4"},
		{"2**3**2", "512"},
		{"2^10", "1024"},
		{"2**-1", "0.5"},
		{"10 % 3", "1"},
		{"-7 % 3", "2"},
		{"--3", "3"},
		{"1.5 * 4", "6"},
		{".5 + .25", "0.75"},
		{"((((1))))", "1"},
		{"100 - 99.5", "0.5"},
	}
	for _, tc := range cases {
		v, err := Eval(tc.expr)
		if err != nil {
			t.Fatalf("Eval(%q): %v", tc.expr, err)
		}
		if got := Format(v); got != tc.want {
			t.Fatalf("Eval(%q) = %s, want %s", tc.expr, got, tc.want)
		}
	}
}

func TestEvalErrors(t *testing.T) {
	cases := []struct {
		expr string
		want error
	}{
		{"", ErrSyntax},
		{"2+", ErrSyntax},
		{"(1+2", ErrSyntax},
		{"1+2)", ErrSyntax},
		{"__import__('os')", ErrSyntax},
		{"abs(-1)", ErrSyntax},
		{"1..2", ErrSyntax},
		{"1/0", ErrDivisionByZero},
		{"5 % (2-2)", ErrDivisionByZero},
		{"0**-1", ErrDivisionByZero},
		{"10**400", ErrOutOfRange},
	}
	for _, tc := range cases {
		if _, err := Eval(tc.expr); !errors.Is(err, tc.want) {
			t.Fatalf("Eval(%q) error = %v, want %v", tc.expr, err, tc.want)
		}
	}
}

func TestEvalRejectsDeepNesting(t *testing.T) {
	expr := ""
	for i := 0; i < 100; i++ {
		expr += "("
	}
	expr += "1"
	for i := 0; i < 100; i++ {
		expr += ")"
	}
	if _, err := Eval(expr); !errors.Is(err, ErrSyntax) {
		t.Fatalf("expected syntax error for deep nesting, got %v", err)
	}
}
