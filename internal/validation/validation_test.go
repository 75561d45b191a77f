package validation

import "testing"

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("wallet_address", ""),
		ValidNetwork("wallet_network", "DOGE"),
		ValidAmount("amount", "-1"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("expected non-empty error string")
	}
}

func TestValidWalletAddress(t *testing.T) {
	evm := "0x71c7656ec7ab88b098defb751b7401b5f6d8976f"

	if errs := Validate(ValidWalletAddress("wallet_address", evm, "ERC20")); len(errs) != 0 {
		t.Errorf("expected valid ERC20 address, got %v", errs)
	}
	if errs := Validate(ValidWalletAddress("wallet_address", evm, "TRC20")); len(errs) == 0 {
		t.Error("EVM hex address should fail TRC20 validation")
	}
	if errs := Validate(ValidWalletAddress("wallet_address", "0x123", "ERC20")); len(errs) == 0 {
		t.Error("short address should fail")
	}
	// Empty value is left to Required
	if errs := Validate(ValidWalletAddress("wallet_address", "", "ERC20")); len(errs) != 0 {
		t.Error("empty value should not produce an error here")
	}
}

func TestValidAmount(t *testing.T) {
	if errs := Validate(ValidAmount("amount", "125.50")); len(errs) != 0 {
		t.Errorf("expected 125.50 to validate, got %v", errs)
	}
	for _, bad := range []string{"0", "-3", "1.2.3", "abc"} {
		if errs := Validate(ValidAmount("amount", bad)); len(errs) == 0 {
			t.Errorf("expected %q to fail", bad)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hi\x00there  ", 100); got != "hithere" {
		t.Errorf("SanitizeString = %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("SanitizeString truncate = %q", got)
	}
}
