package testing_assert

import (
	"reflect"
	"testing"
)

// Assert fails the test if the condition is false
func Assert(t *testing.T, condition bool, msg string, v ...interface{}) {
	t.Helper()
	if !condition {
		t.Fatalf(msg, v...)
	}
}

// SimpleAssert fails the test if the condition is false
func SimpleAssert(t *testing.T, condition bool) {
	t.Helper()
	if !condition {
		t.Fatal("assertion failed")
	}
}

// Ok fails the test if an err is not nil
func Ok(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %s", err.Error())
	}
}

// Nok fails the test if an err is nil
func Nok(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got none")
	}
}

// Equals fails the test if exp is not equal to act
func Equals(t *testing.T, exp, act interface{}) {
	t.Helper()
	if !reflect.DeepEqual(exp, act) {
		t.Fatalf("exp: %#v\n\ngot: %#v", exp, act)
	}
}

// AssertFalse fails the test if the condition is true
func AssertFalse(t *testing.T, condition bool, msg string, v ...interface{}) {
	t.Helper()
	if condition {
		t.Fatalf(msg, v...)
	}
}
