// Package vision holds the visual side of the pipeline: the pinhole camera
// model with Brown Conrady distortion, the feature tracker contract, the
// visual map mirroring pose and landmark variables, landmark triangulation,
// PnP localization, and the reprojection constraint.
package vision

import (
	"encoding/json"
	"math"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// PinholeIntrinsics are the focal lengths and principal point of a pinhole
// camera, with the image bounds used for in frame checks.
type PinholeIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid returns an error when any intrinsic is unusable.
func (p PinholeIntrinsics) CheckValid() error {
	if p.Width <= 0 || p.Height <= 0 {
		return errors.Errorf("invalid image bounds %dx%d", p.Width, p.Height)
	}
	if p.Fx <= 0 || p.Fy <= 0 {
		return errors.Errorf("invalid focal lengths fx=%f fy=%f", p.Fx, p.Fy)
	}
	return nil
}

// BrownConrady is the radial tangential lens distortion applied to
// normalized image coordinates.
type BrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

// Distort maps ideal normalized coordinates to distorted ones.
func (d BrownConrady) Distort(xu, yu float64) (float64, float64) {
	r2s := xu*xu + yu*yu
	radial := 1 + d.RadialK1*r2s + d.RadialK2*r2s*r2s + d.RadialK3*r2s*r2s*r2s
	xd := xu*radial + 2*d.TangentialP1*xu*yu + d.TangentialP2*(r2s+2*xu*xu)
	yd := yu*radial + 2*d.TangentialP2*xu*yu + d.TangentialP1*(r2s+2*yu*yu)
	return xd, yd
}

// Jacobian returns the 2x2 derivative of the distorted coordinates against
// the ideal ones.
func (d BrownConrady) Jacobian(xu, yu float64) (dxdxu, dxdyu, dydxu, dydyu float64) {
	r2s := xu*xu + yu*yu
	radial := 1 + d.RadialK1*r2s + d.RadialK2*r2s*r2s + d.RadialK3*r2s*r2s*r2s
	dRad := d.RadialK1 + 2*d.RadialK2*r2s + 3*d.RadialK3*r2s*r2s

	dxdxu = radial + 2*xu*xu*dRad + 2*d.TangentialP1*yu + 6*d.TangentialP2*xu
	dxdyu = 2*xu*yu*dRad + 2*d.TangentialP1*xu + 2*d.TangentialP2*yu
	dydxu = 2*xu*yu*dRad + 2*d.TangentialP2*yu + 2*d.TangentialP1*xu
	dydyu = radial + 2*yu*yu*dRad + 2*d.TangentialP2*xu + 6*d.TangentialP1*yu
	return dxdxu, dxdyu, dydxu, dydyu
}

// Undistort inverts the model by Newton iteration, starting from the
// distorted point.
func (d BrownConrady) Undistort(xd, yd float64) (float64, float64) {
	xu, yu := xd, yd
	const maxIterations = 20
	const tolerance = 1e-10
	for i := 0; i < maxIterations; i++ {
		xe, ye := d.Distort(xu, yu)
		errX, errY := xe-xd, ye-yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}
		j11, j12, j21, j22 := d.Jacobian(xu, yu)
		det := j11*j22 - j12*j21
		if det == 0 {
			break
		}
		xu -= (j22*errX - j12*errY) / det
		yu -= (-j21*errX + j11*errY) / det
	}
	return xu, yu
}

// CameraModel projects camera frame points into distorted pixel
// coordinates.
type CameraModel struct {
	Intrinsics PinholeIntrinsics `json:"intrinsic_parameters"`
	Distortion BrownConrady      `json:"distortion"`
}

// CheckValid returns an error when the model cannot project.
func (m *CameraModel) CheckValid() error {
	if m == nil {
		return errors.New("camera model is nil")
	}
	return m.Intrinsics.CheckValid()
}

// minProjectionDepth bounds the depth used during projection so residuals
// stay finite while the optimizer moves a landmark near the camera plane.
const minProjectionDepth = 1e-6

// Project maps a camera frame point to a distorted pixel. The flag is false
// when the point is behind the camera or lands outside the image bounds; the
// pixel is still returned for diagnostic use whenever the depth is positive.
func (m *CameraModel) Project(p r3.Vector) (r2.Point, bool) {
	if p.Z <= 0 {
		return r2.Point{}, false
	}
	pix := m.projectDepthClamped(p)
	inBounds := pix.X >= 0 && pix.X < float64(m.Intrinsics.Width) &&
		pix.Y >= 0 && pix.Y < float64(m.Intrinsics.Height)
	return pix, inBounds
}

// projectDepthClamped projects with the depth clamped positive so the
// result is always defined.
func (m *CameraModel) projectDepthClamped(p r3.Vector) r2.Point {
	z := math.Max(p.Z, minProjectionDepth)
	xd, yd := m.Distortion.Distort(p.X/z, p.Y/z)
	return r2.Point{
		X: m.Intrinsics.Fx*xd + m.Intrinsics.Ppx,
		Y: m.Intrinsics.Fy*yd + m.Intrinsics.Ppy,
	}
}

// ProjectWithJacobian projects with the depth clamped positive and returns
// the 2x3 derivative of the pixel against the camera frame point.
func (m *CameraModel) ProjectWithJacobian(p r3.Vector) (r2.Point, *mat.Dense) {
	z := math.Max(p.Z, minProjectionDepth)
	xn, yn := p.X/z, p.Y/z
	xd, yd := m.Distortion.Distort(xn, yn)
	pix := r2.Point{
		X: m.Intrinsics.Fx*xd + m.Intrinsics.Ppx,
		Y: m.Intrinsics.Fy*yd + m.Intrinsics.Ppy,
	}

	// chain: pixel <- distorted <- normalized <- camera point
	j11, j12, j21, j22 := m.Distortion.Jacobian(xn, yn)
	invZ := 1 / z
	dnorm := [2][3]float64{
		{invZ, 0, -xn * invZ},
		{0, invZ, -yn * invZ},
	}
	jac := mat.NewDense(2, 3, nil)
	for col := 0; col < 3; col++ {
		jac.Set(0, col, m.Intrinsics.Fx*(j11*dnorm[0][col]+j12*dnorm[1][col]))
		jac.Set(1, col, m.Intrinsics.Fy*(j21*dnorm[0][col]+j22*dnorm[1][col]))
	}
	return pix, jac
}

// Normalize maps a distorted pixel to ideal normalized image coordinates.
func (m *CameraModel) Normalize(pix r2.Point) r2.Point {
	xd := (pix.X - m.Intrinsics.Ppx) / m.Intrinsics.Fx
	yd := (pix.Y - m.Intrinsics.Ppy) / m.Intrinsics.Fy
	xu, yu := m.Distortion.Undistort(xd, yd)
	return r2.Point{X: xu, Y: yu}
}

// Ray returns the unit direction through a distorted pixel in the camera
// frame.
func (m *CameraModel) Ray(pix r2.Point) r3.Vector {
	n := m.Normalize(pix)
	return r3.Vector{X: n.X, Y: n.Y, Z: 1}.Normalize()
}

// SaveJSON writes the camera model to path.
func (m *CameraModel) SaveJSON(path string) error {
	md, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling camera model")
	}
	return os.WriteFile(path, md, 0o600)
}

// LoadCameraModel reads a camera model written by SaveJSON.
func LoadCameraModel(path string) (*CameraModel, error) {
	r, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(r.Close)
	model := &CameraModel{}
	if err := json.NewDecoder(r).Decode(model); err != nil {
		return nil, errors.Wrap(err, "cannot parse camera model file")
	}
	return model, model.CheckValid()
}
