package physics

import (
	"math"

	"textrace/server/internal/command"
)

const (
	gravity        = 9.81
	airDensity     = 1.225
	wattsPerHP     = 745.7
	rollingResist  = 0.015
	minSpeedForPow = 0.5 // m/s floor to avoid divide-by-zero in power-limited force
	lowFuelPct     = 5.0
	highTireWear   = 80.0
)

// commandForces maps a command to (throttle, brake) per spec.md §4.3.
func commandForces(cmd command.Command) (throttle, brake float64) {
	switch cmd.Kind {
	case command.Accelerate:
		return cmd.Intensity, 0
	case command.Brake:
		return 0, cmd.Intensity
	case command.Coast:
		return 0, 0
	case command.Shift:
		return 0, 0
	case command.Pit:
		return 0, 0.5
	default:
		return 0, 0
	}
}

// Step advances one participant by dt seconds given the drained command.
// It is a pure function: identical inputs produce identical outputs, and it
// holds no package-level mutable state, so it is safe to call from any
// goroutine (including concurrently, for different participants).
func Step(p Participant, car Car, cmd command.Command, track Track, dt float64, env Environment) (Participant, []LocalEvent) {
	var events []LocalEvent

	throttle, brake := commandForces(cmd)
	if p.FuelPct <= 0 {
		throttle = 0
	}

	speedMs := p.SpeedKmh / 3.6
	if speedMs < 0 {
		speedMs = 0
	}

	dragForce := 0.5 * airDensity * car.DragCoef * car.FrontalAreaM2 * speedMs * speedMs
	rollForce := rollingResist * car.WeightKg * gravity

	denom := speedMs
	if denom < minSpeedForPow {
		denom = minSpeedForPow
	}
	powerForce := (car.Horsepower * wattsPerHP) / denom

	// Aero downforce increases effective normal load and hence grip at
	// speed; approximated as scaling linearly with (v/100mph)^2.
	mph100ms := 44.704
	downforceKg := car.AeroDownforceKgAt100mph * (speedMs / mph100ms) * (speedMs / mph100ms)
	normalLoadKg := car.WeightKg + downforceKg
	gripForce := car.TireGrip * normalLoadKg * gravity

	tractiveForce := math.Min(powerForce, gripForce) * throttle
	brakingForce := gripForce * brake

	netForce := tractiveForce - dragForce - rollForce - brakingForce
	accel := netForce / car.WeightKg

	newSpeedMs := speedMs + accel*dt
	if newSpeedMs < 0 {
		newSpeedMs = 0
	}
	topSpeedMs := car.TopSpeedKmh / 3.6
	if newSpeedMs > topSpeedMs {
		newSpeedMs = topSpeedMs
	}

	avgSpeedMs := (speedMs + newSpeedMs) / 2
	distanceDelta := avgSpeedMs * dt

	next := p
	next.SpeedKmh = newSpeedMs * 3.6
	next.LastCommandType = cmd.Kind.String()
	next.TotalTimeSec += dt

	newDistance := p.Location.DistanceMeters + distanceDelta
	lapsAdded := 0
	if track.Length > 0 {
		lapsAdded = int(math.Floor(newDistance / track.Length))
		newDistance = math.Mod(newDistance, track.Length)
	}
	if lapsAdded > 0 {
		next.Location.Lap = p.Location.Lap + lapsAdded
		next.LapTimeSec = dt
	} else {
		next.LapTimeSec = p.LapTimeSec + dt
	}
	next.Location.DistanceMeters = newDistance
	if track.Sectors > 0 {
		sectorLen := track.Length / float64(track.Sectors)
		if sectorLen > 0 {
			next.Location.Sector = int(newDistance/sectorLen) + 1
		}
	}

	// Fuel consumption scales with throttle and distance covered; fuel
	// economy is liters per 100km, converted to a percent-of-tank-per-meter
	// proxy since no tank capacity is specified.
	consumptionPerMeter := car.FuelEconomyL100 / 100000.0
	fuelUsed := consumptionPerMeter * distanceDelta * (0.4 + 0.6*throttle) * 100.0 / 60.0
	prevFuel := p.FuelPct
	next.FuelPct = clamp(p.FuelPct-fuelUsed, 0, 100)
	if prevFuel > lowFuelPct && next.FuelPct <= lowFuelPct {
		events = append(events, LocalEvent{Kind: LowFuel})
	}

	// Tire wear scales with speed fraction, lateral G from the track's
	// average corner radius, braking G, car weight and tire grip. Front
	// wears ~1.2x rear (spec.md §4.3).
	var lateralG float64
	if track.AvgCornerRadiusM > 0 {
		lateralG = (newSpeedMs * newSpeedMs) / (track.AvgCornerRadiusM * gravity)
	}
	brakingG := (brakingForce / car.WeightKg) / gravity

	weightFactor := car.WeightKg / 1400.0
	gripFactor := 1.0
	if car.TireGrip > 0 {
		gripFactor = 1.0 / car.TireGrip
	}
	wearRate := 0.05*(newSpeedMs/math.Max(topSpeedMs, 1)) + 0.15*lateralG + 0.1*brakingG
	wearRate *= weightFactor * gripFactor

	prevMaxWear := math.Max(p.TireWear.Front, p.TireWear.Rear)
	next.TireWear.Rear = clamp(p.TireWear.Rear+wearRate*dt, 0, 100)
	next.TireWear.Front = clamp(p.TireWear.Front+wearRate*dt*1.2, 0, 100)
	newMaxWear := math.Max(next.TireWear.Front, next.TireWear.Rear)
	if prevMaxWear < highTireWear && newMaxWear >= highTireWear {
		events = append(events, LocalEvent{Kind: TireWearHigh})
	}

	return next, events
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
