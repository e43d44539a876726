package ur_rtde

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// Unit is the length unit of a Plane's origin.
type Unit int

const (
	UnitMeters Unit = iota
	UnitMillimeters
)

func (u Unit) String() string {
	switch u {
	case UnitMeters:
		return "meters"
	case UnitMillimeters:
		return "millimeters"
	default:
		return fmt.Sprintf("Unit(%d)", int(u))
	}
}

// metersPer returns how many meters one u is.
func metersPer(u Unit) (float64, error) {
	switch u {
	case UnitMeters:
		return 1, nil
	case UnitMillimeters:
		return 0.001, nil
	default:
		return 0, fmt.Errorf("unsupported length unit %v, use meters or millimeters", u)
	}
}

// Plane is an oriented frame: an origin and two in-plane axes. The normal is XAxis × YAxis.
type Plane struct {
	Origin r3.Vector
	XAxis  r3.Vector
	YAxis  r3.Vector
}

// ZAxis returns the plane normal.
func (p Plane) ZAxis() r3.Vector {
	return p.XAxis.Cross(p.YAxis)
}

// orthonormal returns the plane's axes as a right-handed orthonormal basis. YAxis is made
// perpendicular to XAxis before the normal is taken.
func (p Plane) orthonormal() (x, y, z r3.Vector, err error) {
	if p.XAxis.Norm() < 1e-12 || p.YAxis.Norm() < 1e-12 {
		return x, y, z, fmt.Errorf("plane axes must be non-zero")
	}
	x = p.XAxis.Normalize()
	y = p.YAxis.Sub(x.Mul(p.YAxis.Dot(x)))
	if y.Norm() < 1e-12 {
		return x, y, z, fmt.Errorf("plane axes must not be parallel")
	}
	y = y.Normalize()
	return x, y, x.Cross(y), nil
}

// PlaneToPose converts a plane with its origin in unit into a UR pose [x, y, z, rx, ry, rz]
// in meters and axis-angle radians.
func PlaneToPose(p Plane, unit Unit) ([6]float64, error) {
	var pose [6]float64
	scale, err := metersPer(unit)
	if err != nil {
		return pose, err
	}
	x, y, z, err := p.orthonormal()
	if err != nil {
		return pose, err
	}
	rv := rotationVector(x, y, z)
	return [6]float64{
		p.Origin.X * scale, p.Origin.Y * scale, p.Origin.Z * scale,
		rv.X, rv.Y, rv.Z,
	}, nil
}

// PoseToPlane converts a UR pose in meters and axis-angle radians into a plane with its origin
// in unit.
func PoseToPlane(pose []float64, unit Unit) (Plane, error) {
	if len(pose) != 6 {
		return Plane{}, ErrInvalidVector
	}
	scale, err := metersPer(unit)
	if err != nil {
		return Plane{}, err
	}
	x, y, _ := rotationColumns(r3.Vector{X: pose[3], Y: pose[4], Z: pose[5]})
	return Plane{
		Origin: r3.Vector{X: pose[0] / scale, Y: pose[1] / scale, Z: pose[2] / scale},
		XAxis:  x,
		YAxis:  y,
	}, nil
}

// rotationVector returns the axis-angle vector of the rotation whose matrix has columns x, y, z.
func rotationVector(x, y, z r3.Vector) r3.Vector {
	// r[row][col]
	r := [3][3]float64{
		{x.X, y.X, z.X},
		{x.Y, y.Y, z.Y},
		{x.Z, y.Z, z.Z},
	}
	trace := r[0][0] + r[1][1] + r[2][2]
	angle := math.Acos(math.Max(-1, math.Min(1, (trace-1)/2)))

	if angle < 1e-9 {
		return r3.Vector{}
	}

	if math.Pi-angle > 1e-6 {
		axis := r3.Vector{
			X: r[2][1] - r[1][2],
			Y: r[0][2] - r[2][0],
			Z: r[1][0] - r[0][1],
		}.Mul(1 / (2 * math.Sin(angle)))
		return axis.Normalize().Mul(angle)
	}

	// Near pi the antisymmetric part vanishes; R = 2aaᵀ - I, so take the axis from the largest
	// diagonal term and fix the other components' signs from the symmetric part.
	var axis r3.Vector
	switch {
	case r[0][0] >= r[1][1] && r[0][0] >= r[2][2]:
		axis.X = math.Sqrt(math.Max(0, (r[0][0]+1)/2))
		axis.Y = (r[0][1] + r[1][0]) / (4 * axis.X)
		axis.Z = (r[0][2] + r[2][0]) / (4 * axis.X)
	case r[1][1] >= r[2][2]:
		axis.Y = math.Sqrt(math.Max(0, (r[1][1]+1)/2))
		axis.X = (r[0][1] + r[1][0]) / (4 * axis.Y)
		axis.Z = (r[1][2] + r[2][1]) / (4 * axis.Y)
	default:
		axis.Z = math.Sqrt(math.Max(0, (r[2][2]+1)/2))
		axis.X = (r[0][2] + r[2][0]) / (4 * axis.Z)
		axis.Y = (r[1][2] + r[2][1]) / (4 * axis.Z)
	}
	return axis.Normalize().Mul(angle)
}

// rotationColumns returns the columns of the rotation matrix of axis-angle vector rv.
func rotationColumns(rv r3.Vector) (x, y, z r3.Vector) {
	angle := rv.Norm()
	if angle < 1e-12 {
		return r3.Vector{X: 1}, r3.Vector{Y: 1}, r3.Vector{Z: 1}
	}
	a := rv.Mul(1 / angle)
	c, s := math.Cos(angle), math.Sin(angle)
	t := 1 - c
	x = r3.Vector{X: t*a.X*a.X + c, Y: t*a.X*a.Y + s*a.Z, Z: t*a.X*a.Z - s*a.Y}
	y = r3.Vector{X: t*a.X*a.Y - s*a.Z, Y: t*a.Y*a.Y + c, Z: t*a.Y*a.Z + s*a.X}
	z = r3.Vector{X: t*a.X*a.Z + s*a.Y, Y: t*a.Y*a.Z - s*a.X, Z: t*a.Z*a.Z + c}
	return x, y, z
}

// PoseToSpatial converts a UR pose (meters, axis-angle radians) into a Viam pose
// (millimeters).
func PoseToSpatial(pose []float64) (spatialmath.Pose, error) {
	if len(pose) != 6 {
		return nil, ErrInvalidVector
	}
	pt := r3.Vector{X: pose[0] * 1000, Y: pose[1] * 1000, Z: pose[2] * 1000}
	rv := r3.Vector{X: pose[3], Y: pose[4], Z: pose[5]}
	angle := rv.Norm()
	if angle < 1e-12 {
		return spatialmath.NewPoseFromPoint(pt), nil
	}
	axis := rv.Mul(1 / angle)
	return spatialmath.NewPose(pt, &spatialmath.R4AA{Theta: angle, RX: axis.X, RY: axis.Y, RZ: axis.Z}), nil
}

// SpatialToPose converts a Viam pose into a UR pose in meters and axis-angle radians.
func SpatialToPose(p spatialmath.Pose) []float64 {
	pt := p.Point()
	aa := p.Orientation().AxisAngles()
	axis := r3.Vector{X: aa.RX, Y: aa.RY, Z: aa.RZ}
	var rv r3.Vector
	if n := axis.Norm(); n > 1e-12 {
		rv = axis.Mul(aa.Theta / n)
	}
	return []float64{pt.X / 1000, pt.Y / 1000, pt.Z / 1000, rv.X, rv.Y, rv.Z}
}
