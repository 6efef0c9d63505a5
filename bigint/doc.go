// Package bigint implements fixed-capacity unsigned integers and the modular
// arithmetic needed by the auth key exchange and the RSA step.
//
// Nat holds up to MaxBits bits in a fixed array of 64-bit limbs, so values
// live on the stack or inside their owner and the exponentiation loop does not
// allocate. ModPow uses Montgomery multiplication with a fixed 4-bit window;
// every window performs the same squarings and one multiplication by a table
// entry selected with a constant-time scan, so the running time depends only
// on the width of the exponent, never on its bit values.
//
//	p, _ := bigint.FromBytes(primeBytes)
//	g := bigint.FromUint64(3)
//	ga, err := bigint.ModPow(g, secretA, p)
//	out, _ := ga.FillBytes(256)
package bigint
