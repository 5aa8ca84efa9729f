package idempotency

import "testing"

func TestGenerateKeyIsDeterministic(test *testing.T) {
	test.Parallel()
	params := map[string]string{"user_id": "user-1", "amount": "100", "currency": "USD"}
	first := GenerateKey("payment.create", params)
	second := GenerateKey("payment.create", params)
	if first != second {
		test.Fatalf("expected %s, got %s", first, second)
	}
	if len(first) != 64 {
		test.Fatalf("expected 64 hex chars, got %d", len(first))
	}
}

func TestGenerateKeyIgnoresParameterOrder(test *testing.T) {
	test.Parallel()
	forward := GenerateKey("payment.create", map[string]string{"a": "1", "b": "2", "c": "3"})
	reversed := GenerateKey("payment.create", map[string]string{"c": "3", "b": "2", "a": "1"})
	if forward != reversed {
		test.Fatal("key must not depend on parameter order")
	}
}

func TestGenerateKeySeparatesScopes(test *testing.T) {
	test.Parallel()
	params := map[string]string{"provider": "stripe", "event_id": "evt_1"}
	if GenerateKey("webhook.event", params) == GenerateKey("payment.create", params) {
		test.Fatal("identical params in different scopes must not collide")
	}
}

func TestGenerateKeySeparatesParameterValues(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name  string
		left  map[string]string
		right map[string]string
	}{
		{
			name:  "different values",
			left:  map[string]string{"amount": "100"},
			right: map[string]string{"amount": "101"},
		},
		{
			name:  "value shifted between params",
			left:  map[string]string{"a": "xy", "b": ""},
			right: map[string]string{"a": "x", "b": "y"},
		},
		{
			name:  "extra param",
			left:  map[string]string{"a": "1"},
			right: map[string]string{"a": "1", "b": ""},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if GenerateKey("scope", testCase.left) == GenerateKey("scope", testCase.right) {
				test.Fatal("distinct parameter sets must not collide")
			}
		})
	}
}
