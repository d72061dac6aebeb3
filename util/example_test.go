package util

import (
	"fmt"
)

func ExampleUniqueString() {
	fmt.Println(UniqueString([]string{"CX1", "CX2", "CX1", "CY1"}))
	// Output: [CX1 CX2 CY1]
}

func ExampleLimiter_Clamp() {
	l := Limiter{Min: -2, Max: 2}
	fmt.Println(l.Clamp(3), l.Clamp(-0.5))
	// Output: 2 -0.5
}
