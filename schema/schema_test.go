package schema

import "testing"

func TestValidateSuccess(t *testing.T) {
	s := MustCompile([]byte(`{"type": "string"}`))
	if issues := Validate(s, "hello"); issues != nil {
		t.Fatalf("expected no issues, got %v", issues)
	}
}

func TestValidateFailure(t *testing.T) {
	s := MustCompile([]byte(`{"type": "string"}`))
	issues := Validate(s, 12345.0)
	if len(issues) == 0 {
		t.Fatal("expected issues for numeric value against string schema")
	}
}

func TestValidateObject(t *testing.T) {
	s := MustCompile([]byte(`{
		"type": "object",
		"properties": {"str": {"type": "string"}, "n": {"type": "number"}},
		"required": ["str", "n"]
	}`))

	ok := map[string]any{"str": "got data", "n": 42.0}
	if issues := Validate(s, ok); issues != nil {
		t.Fatalf("expected no issues, got %v", issues)
	}

	bad := map[string]any{"str": "got data"}
	if issues := Validate(s, bad); len(issues) == 0 {
		t.Fatal("expected issues for missing required field 'n'")
	}
}

func TestCompileInvalidSchema(t *testing.T) {
	if _, err := Compile([]byte(`{"type": "not-a-real-type"}`)); err == nil {
		t.Fatal("expected compile error for invalid schema")
	}
}
