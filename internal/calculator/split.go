package calculator

import "math"

// DistributeAmount splits a total into n shares that sum back to the total
// exactly. Arithmetic happens in integer cents; the rounding remainder is
// handed out one cent at a time to the first remainder-many shares.
func DistributeAmount(total float64, n int) []float64 {
	if n < 1 {
		return nil
	}

	cents := int64(math.Round(total * 100))
	base := cents / int64(n)
	remainder := cents % int64(n)
	// A negative total leaves a negative remainder; shift it onto the base
	// so every extra cent still goes out one at a time.
	if remainder < 0 {
		base--
		remainder += int64(n)
	}

	shares := make([]float64, n)
	for i := range shares {
		c := base
		if int64(i) < remainder {
			c++
		}
		shares[i] = float64(c) / 100
	}
	return shares
}
