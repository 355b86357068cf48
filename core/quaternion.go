package core

import "math"

// Quaternion is an orientation value. Engines keep it at unit norm.
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// IdentityQuaternion is the orientation of a freshly created agent.
var IdentityQuaternion = Quaternion{W: 1}

// Mul returns the Hamilton product q ⊗ r.
func (q Quaternion) Mul(r Quaternion) Quaternion {
	return Quaternion{
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
	}
}

// Norm returns the Euclidean norm.
func (q Quaternion) Norm() float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

// Normalize returns q scaled to unit norm; a zero quaternion yields identity.
func (q Quaternion) Normalize() Quaternion {
	n := q.Norm()
	if n == 0 {
		return IdentityQuaternion
	}
	return Quaternion{W: q.W / n, X: q.X / n, Y: q.Y / n, Z: q.Z / n}
}

// FromAxisAngle builds the rotation of angle radians about axis. A zero axis
// falls back to the z axis.
func FromAxisAngle(x, y, z, angle float64) Quaternion {
	n := math.Sqrt(x*x + y*y + z*z)
	if n == 0 {
		x, y, z, n = 0, 0, 1, 1
	}
	s := math.Sin(angle / 2)
	return Quaternion{W: math.Cos(angle / 2), X: s * x / n, Y: s * y / n, Z: s * z / n}
}
