package physics

// CarModels is the read-only car catalog, keyed by carId, the way the
// teacher's FishHitboxConfigs maps fish model name to hitbox ratios.
var CarModels = map[string]Car{
	"gt3-street": {
		Horsepower:              520,
		WeightKg:                1350,
		DragCoef:                0.32,
		FrontalAreaM2:           2.0,
		Drivetrain:              RWD,
		TireGrip:                1.05,
		GearRatios:              []float64{3.5, 2.3, 1.7, 1.3, 1.05, 0.88},
		AeroDownforceKgAt100mph: 90,
		FuelEconomyL100:         18.5,
		TopSpeedKmh:             298,
	},
	"rally-awd": {
		Horsepower:              380,
		WeightKg:                1230,
		DragCoef:                0.36,
		FrontalAreaM2:           2.1,
		Drivetrain:              AWD,
		TireGrip:                1.2,
		GearRatios:              []float64{3.9, 2.5, 1.8, 1.35, 1.1, 0.9},
		AeroDownforceKgAt100mph: 40,
		FuelEconomyL100:         14.0,
		TopSpeedKmh:             230,
	},
	"open-wheel": {
		Horsepower:              750,
		WeightKg:                740,
		DragCoef:                0.9,
		FrontalAreaM2:           1.5,
		Drivetrain:              RWD,
		TireGrip:                1.6,
		GearRatios:              []float64{3.2, 2.1, 1.55, 1.2, 0.98, 0.82},
		AeroDownforceKgAt100mph: 220,
		FuelEconomyL100:         32.0,
		TopSpeedKmh:             340,
	},
}

// DefaultCar is used when carId has no entry in CarModels.
var DefaultCar = Car{
	Horsepower:              300,
	WeightKg:                1400,
	DragCoef:                0.34,
	FrontalAreaM2:           2.2,
	Drivetrain:              FWD,
	TireGrip:                0.95,
	GearRatios:              []float64{3.7, 2.2, 1.6, 1.2, 1.0, 0.85},
	AeroDownforceKgAt100mph: 25,
	FuelEconomyL100:         10.0,
	TopSpeedKmh:             220,
}

// Tracks is the read-only track catalog, keyed by trackId.
var Tracks = map[string]Track{
	"sunbelt-speedway": {
		Length:           5000,
		Sectors:          3,
		Corners:          12,
		Elevation:        35,
		Surface:          "asphalt",
		Difficulty:       0.6,
		AvgCornerRadiusM: 80,
	},
	"coastal-circuit": {
		Length:           4200,
		Sectors:          3,
		Corners:          16,
		Elevation:        60,
		Surface:          "asphalt",
		Difficulty:       0.8,
		AvgCornerRadiusM: 55,
	},
	"rally-stage-north": {
		Length:           6500,
		Sectors:          4,
		Corners:          24,
		Elevation:        140,
		Surface:          "gravel",
		Difficulty:       0.95,
		AvgCornerRadiusM: 35,
	},
}

// DefaultTrack is used when trackId has no entry in Tracks.
var DefaultTrack = Track{
	Length:           5000,
	Sectors:          3,
	Corners:          12,
	Elevation:        0,
	Surface:          "asphalt",
	Difficulty:       0.5,
	AvgCornerRadiusM: 70,
}

// CarByID looks up a car model, falling back to DefaultCar.
func CarByID(carID string) Car {
	if c, ok := CarModels[carID]; ok {
		return c
	}
	return DefaultCar
}

// TrackByID looks up a track, falling back to DefaultTrack.
func TrackByID(trackID string) Track {
	if t, ok := Tracks[trackID]; ok {
		return t
	}
	return DefaultTrack
}
