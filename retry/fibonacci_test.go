package retry

import "testing"

func TestFibonacci(t *testing.T) {
	expected := []int{0, 1, 1, 2, 3, 5, 8, 13, 21, 34}
	for n, want := range expected {
		if got := Fibonacci(n); got != want {
			t.Errorf("Fibonacci(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestFibonacciLarger(t *testing.T) {
	cases := map[int]int{10: 55, 20: 6765}
	for n, want := range cases {
		if got := Fibonacci(n); got != want {
			t.Errorf("Fibonacci(%d) = %d, want %d", n, got, want)
		}
	}
}
