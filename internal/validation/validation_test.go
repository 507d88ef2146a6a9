package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"  hello  ", 100, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("seller_id", "user-2"),
		OneOf("payer_type", "buyer", "buyer", "seller"),
	)
	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}

	errs = Validate(
		Required("seller_id", ""),
		OneOf("payer_type", "agent", "buyer", "seller"),
	)
	if len(errs) != 2 {
		t.Fatalf("Expected 2 errors, got %d", len(errs))
	}
	if errs.Error() != "seller_id: is required" {
		t.Errorf("Unexpected error text %q", errs.Error())
	}
}

func TestMoney(t *testing.T) {
	tests := []struct {
		value     string
		allowZero bool
		valid     bool
	}{
		{"100.00", false, true},
		{"0.50", false, true},
		{"10", false, true},
		{"0", true, true},

		{"0", false, false},
		{"-1.00", false, false},
		{"1.005", false, false},
	}

	for _, tc := range tests {
		err := Money("price", decimal.RequireFromString(tc.value), tc.allowZero)()
		if valid := err == nil; valid != tc.valid {
			t.Errorf("Money(%q, allowZero=%v) valid=%v, want %v", tc.value, tc.allowZero, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("field", "hello", 5)(); err != nil {
		t.Error("Expected no error for string at limit")
	}
	if err := MaxLength("field", "hello world", 5)(); err == nil {
		t.Error("Expected error for string over limit")
	}
}

func TestNotEmpty(t *testing.T) {
	if err := NotEmpty("payment_methods", []string{"card"})(); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if err := NotEmpty("payment_methods", []string(nil))(); err == nil {
		t.Error("Expected error for empty list")
	}
}

func TestIsDealRef(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"3f2b8c1e-9d4a-4e6b-8f0c-1a2b3c4d5e6f", true},
		{"TXN-7K3M9QXB2D", true},
		{"TXN-123", false},
		{"../../etc/passwd", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsDealRef(tt.in); got != tt.want {
			t.Errorf("IsDealRef(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDealRefParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/deals/:id", DealRefParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/deals/not-a-deal", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed id, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/deals/TXN-7K3M9QXB2D", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for transaction id, got %d", w.Code)
	}
}
