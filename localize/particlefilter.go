/*Package localize implements a particle-filter localizer that fuses
odometry motion updates with laser measurement updates against a known
occupancy map.

The filter owns its particle buffer exclusively; motion and measurement
updates are serialized by the filter's own mutex, since both
read and rewrite the whole buffer and cannot safely interleave.
*/
package localize

import (
	"math"
	"math/rand"
	"sync"

	"github.com/nasa-jpl/deliverybot/geom"
	"github.com/nasa-jpl/deliverybot/occupancy"
)

// Particle is one pose hypothesis and its normalized weight.
type Particle struct {
	Pose   geom.Pose
	Weight float64
}

// MotionNoise are the standard deviations of the per-particle noise added
// on every motion update, applied independently to the linear
// displacement, the heading change, and a lateral cross-term.
type MotionNoise struct {
	Linear  float64 // std dev on ds, metres
	Angular float64 // std dev on dtheta, radians
	Lateral float64 // std dev of lateral drift, metres
}

// DefaultMotionNoise is a reasonable default for a small indoor robot.
func DefaultMotionNoise() MotionNoise {
	return MotionNoise{Linear: 0.01, Angular: 0.02, Lateral: 0.005}
}

// MeasurementModel tunes the laser measurement update's likelihood
// function: a Gaussian in the range residual plus a uniform outlier
// floor, following a standard beam model.
type MeasurementModel struct {
	Sigma        float64 // std dev of the Gaussian component, metres
	OutlierFloor float64 // density assigned regardless of fit, keeps weights non-zero
	NumRays      int     // number of evenly spaced rays sampled per update
	MaxRange     float64
}

// DefaultMeasurementModel matches a typical low-cost 2D lidar.
func DefaultMeasurementModel() MeasurementModel {
	return MeasurementModel{Sigma: 0.15, OutlierFloor: 0.01, NumRays: 12, MaxRange: 8.0}
}

// DivergenceConfig governs when the filter declares itself lost.
type DivergenceConfig struct {
	VarianceThreshold float64 // m^2, weighted positional variance
	Window            int     // consecutive over-threshold updates required
}

// DefaultDivergenceConfig is conservative for a 10x10m indoor space.
func DefaultDivergenceConfig() DivergenceConfig {
	return DivergenceConfig{VarianceThreshold: 1.0, Window: 5}
}

// Filter is a fixed-size particle-filter localizer.
type Filter struct {
	mu sync.Mutex

	particles []Particle
	rng       *rand.Rand

	motionNoise MotionNoise
	measModel   MeasurementModel
	divergence  DivergenceConfig

	overThreshold int
	diverged      bool
}

// New creates a Filter with n particles sampled from a Gaussian around
// start, the usual initialization around the declared home pose.
func New(n int, start geom.Pose, startStd geom.Pose, seed int64) *Filter {
	rng := rand.New(rand.NewSource(seed))
	particles := make([]Particle, n)
	w := 1.0 / float64(n)
	for i := range particles {
		particles[i] = Particle{
			Pose: geom.Pose{
				X:     start.X + rng.NormFloat64()*startStd.X,
				Y:     start.Y + rng.NormFloat64()*startStd.Y,
				Theta: geom.WrapAngle(start.Theta + rng.NormFloat64()*startStd.Theta),
			},
			Weight: w,
		}
	}
	return &Filter{
		particles:   particles,
		rng:         rng,
		motionNoise: DefaultMotionNoise(),
		measModel:   DefaultMeasurementModel(),
		divergence:  DefaultDivergenceConfig(),
	}
}

// SetMotionNoise overrides the default motion noise model.
func (f *Filter) SetMotionNoise(n MotionNoise) { f.motionNoise = n }

// SetMeasurementModel overrides the default measurement model.
func (f *Filter) SetMeasurementModel(m MeasurementModel) { f.measModel = m }

// SetDivergenceConfig overrides the default divergence detector.
func (f *Filter) SetDivergenceConfig(d DivergenceConfig) { f.divergence = d }

// MotionUpdate advances every particle by the same kinematics as the
// odometry integrator, perturbed by independent per-particle noise on the
// linear displacement, heading change, and a lateral cross-term.
func (f *Filter) MotionUpdate(ds, dtheta float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.particles {
		p := &f.particles[i]
		nds := ds + f.rng.NormFloat64()*f.motionNoise.Linear
		ndtheta := dtheta + f.rng.NormFloat64()*f.motionNoise.Angular
		lateral := f.rng.NormFloat64() * f.motionNoise.Lateral

		mid := p.Pose.Theta + ndtheta/2
		p.Pose.X += nds*math.Cos(mid) - lateral*math.Sin(mid)
		p.Pose.Y += nds*math.Sin(mid) + lateral*math.Cos(mid)
		p.Pose.Theta = geom.WrapAngle(p.Pose.Theta + ndtheta)
	}
}

// MeasurementUpdate reweights particles against a laser scan using a
// sparse, evenly spaced subset of the scan's rays and the occupancy map's
// ray-cast, then renormalizes so weights sum to 1. It resamples via
// low-variance resampling whenever the effective sample size 1/sum(w^2)
// falls below N/2, and updates the divergence detector.
func (f *Filter) MeasurementUpdate(m *occupancy.Map, sc geom.Scan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(sc.Points) == 0 {
		return
	}
	rays := sampleRays(sc, f.measModel.NumRays)

	var total float64
	for i := range f.particles {
		p := &f.particles[i]
		lik := 1.0
		for _, ray := range rays {
			expected := m.RayCast(p.Pose, ray.Angle, f.measModel.MaxRange)
			residual := ray.Distance - expected
			gauss := math.Exp(-(residual*residual)/(2*f.measModel.Sigma*f.measModel.Sigma)) /
				(f.measModel.Sigma * math.Sqrt(2*math.Pi))
			lik *= gauss + f.measModel.OutlierFloor
		}
		p.Weight *= lik
		total += p.Weight
	}

	f.normalize(total)
	f.updateDivergence()

	if f.effectiveSampleSize() < float64(len(f.particles))/2 {
		f.resample()
	}
}

// normalize rescales weights to sum to 1. If every weight collapsed to
// zero (a total measurement mismatch), it falls back to a uniform
// distribution rather than dividing by zero.
func (f *Filter) normalize(total float64) {
	n := len(f.particles)
	if total <= 0 {
		w := 1.0 / float64(n)
		for i := range f.particles {
			f.particles[i].Weight = w
		}
		return
	}
	for i := range f.particles {
		f.particles[i].Weight /= total
	}
}

func (f *Filter) effectiveSampleSize() float64 {
	var sumSq float64
	for _, p := range f.particles {
		sumSq += p.Weight * p.Weight
	}
	if sumSq == 0 {
		return 0
	}
	return 1 / sumSq
}

// resample performs low-variance (systematic) resampling, replacing the
// particle set with draws proportional to weight and resetting weights to
// uniform.
func (f *Filter) resample() {
	n := len(f.particles)
	if n == 0 {
		return
	}
	newParticles := make([]Particle, n)
	r := f.rng.Float64() / float64(n)
	c := f.particles[0].Weight
	i := 0
	for m := 0; m < n; m++ {
		u := r + float64(m)/float64(n)
		for u > c && i < n-1 {
			i++
			c += f.particles[i].Weight
		}
		newParticles[m] = Particle{Pose: f.particles[i].Pose, Weight: 1.0 / float64(n)}
	}
	f.particles = newParticles
}

// ray is an evenly-spaced sample drawn from a scan for the measurement
// update.
type ray struct {
	Angle    float64
	Distance float64
}

func sampleRays(sc geom.Scan, numRays int) []ray {
	n := len(sc.Points)
	if n == 0 || numRays <= 0 {
		return nil
	}
	if numRays > n {
		numRays = n
	}
	rays := make([]ray, 0, numRays)
	step := n / numRays
	if step == 0 {
		step = 1
	}
	for i := 0; i < n && len(rays) < numRays; i += step {
		p := sc.Points[i]
		rays = append(rays, ray{Angle: p.Angle, Distance: p.Distance})
	}
	return rays
}

// Estimate returns the weighted circular mean pose: the weighted
// arithmetic mean for x and y, and atan2(sum(w*sin theta), sum(w*cos
// theta)) for heading.
func (f *Filter) Estimate() geom.Pose {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimateLocked()
}

func (f *Filter) estimateLocked() geom.Pose {
	var x, y, sinSum, cosSum float64
	for _, p := range f.particles {
		x += p.Weight * p.Pose.X
		y += p.Weight * p.Pose.Y
		sinSum += p.Weight * math.Sin(p.Pose.Theta)
		cosSum += p.Weight * math.Cos(p.Pose.Theta)
	}
	return geom.Pose{X: x, Y: y, Theta: geom.WrapAngle(math.Atan2(sinSum, cosSum))}
}

func (f *Filter) weightedVariance() float64 {
	mean := f.estimateLocked()
	var variance float64
	for _, p := range f.particles {
		dx := p.Pose.X - mean.X
		dy := p.Pose.Y - mean.Y
		variance += p.Weight * (dx*dx + dy*dy)
	}
	return variance
}

func (f *Filter) updateDivergence() {
	if f.weightedVariance() > f.divergence.VarianceThreshold {
		f.overThreshold++
	} else {
		f.overThreshold = 0
	}
	f.diverged = f.overThreshold >= f.divergence.Window
}

// Diverged reports whether the filter has exceeded its positional
// variance threshold for the configured consecutive-update window, i.e.
// whether a LocalizationFailure should be surfaced.
func (f *Filter) Diverged() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diverged
}

// Particles returns a snapshot copy of the current particle set, for
// diagnostics and tests.
func (f *Filter) Particles() []Particle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Particle, len(f.particles))
	copy(out, f.particles)
	return out
}

// WeightSum returns the sum of all particle weights, which should always
// be 1 (within floating-point tolerance) after a measurement update.
func (f *Filter) WeightSum() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum float64
	for _, p := range f.particles {
		sum += p.Weight
	}
	return sum
}
