// Package geo converts WGS84 geodetic coordinates to and from UTM grid
// coordinates identified by their EPSG code (32601-32660 north, 32701-32760
// south).
package geo

import (
	"fmt"
	"math"
)

const (
	// WGS84 ellipsoid
	semiMajor  = 6378137.0
	flattening = 1 / 298.257223563

	scaleFactor   = 0.9996
	falseEasting  = 500000.0
	falseNorthing = 10000000.0

	epsgNorthBase = 32600
	epsgSouthBase = 32700
	EPSGWGS84     = 4326
)

var (
	e2  = flattening * (2 - flattening)
	ep2 = e2 / (1 - e2)
)

// UTM is a projected position on the UTM grid
type UTM struct {
	Easting  float64
	Northing float64
	// Zone number with hemisphere letter, e.g. "11N"
	Zone string
	EPSG int
}

// UnsupportedEPSGError is returned for codes that are not UTM on WGS84
type UnsupportedEPSGError struct {
	Code int
}

func (u *UnsupportedEPSGError) Error() string {
	return fmt.Sprintf("epsg code %d is not a WGS84 UTM zone", u.Code)
}

func (u *UnsupportedEPSGError) Is(e error) bool {
	_, ok := e.(*UnsupportedEPSGError)
	return ok
}

// ParseEPSG splits an EPSG code into zone number and hemisphere
func ParseEPSG(code int) (zone int, north bool, err error) {
	switch {
	case code > epsgNorthBase && code <= epsgNorthBase+60:
		return code - epsgNorthBase, true, nil
	case code > epsgSouthBase && code <= epsgSouthBase+60:
		return code - epsgSouthBase, false, nil
	}

	return 0, false, &UnsupportedEPSGError{Code: code}
}

// ZoneEPSG returns the EPSG code of the UTM zone containing the position
func ZoneEPSG(lat, lon float64) int {
	zone := int(math.Floor((lon+180)/6)) + 1
	if zone > 60 {
		zone = 60
	}

	if lat < 0 {
		return epsgSouthBase + zone
	}
	return epsgNorthBase + zone
}

func centralMeridian(zone int) float64 {
	return float64(zone-1)*6 - 180 + 3
}

func meridianArc(phi float64) float64 {
	e4 := e2 * e2
	e6 := e4 * e2

	return semiMajor * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))
}

// Project converts latitude/longitude in degrees into the UTM zone given by epsg.
// The point does not have to lie inside the zone, accuracy degrades with the
// distance to the central meridian.
func Project(lat, lon float64, epsg int) (UTM, error) {
	zone, north, err := ParseEPSG(epsg)
	if err != nil {
		return UTM{}, err
	}

	if math.IsNaN(lat) || math.IsNaN(lon) || math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		return UTM{}, fmt.Errorf("coordinates out of range lat: %f lon: %f", lat, lon)
	}

	phi := lat * math.Pi / 180
	dLambda := (lon - centralMeridian(zone)) * math.Pi / 180

	sinPhi := math.Sin(phi)
	cosPhi := math.Cos(phi)
	tanPhi := math.Tan(phi)

	n := semiMajor / math.Sqrt(1-e2*sinPhi*sinPhi)
	t := tanPhi * tanPhi
	c := ep2 * cosPhi * cosPhi
	a := cosPhi * dLambda
	m := meridianArc(phi)

	easting := scaleFactor*n*(a+
		(1-t+c)*math.Pow(a, 3)/6+
		(5-18*t+t*t+72*c-58*ep2)*math.Pow(a, 5)/120) + falseEasting

	northing := scaleFactor * (m + n*tanPhi*(a*a/2+
		(5-t+9*c+4*c*c)*math.Pow(a, 4)/24+
		(61-58*t+t*t+600*c-330*ep2)*math.Pow(a, 6)/720))

	hemisphere := "N"
	if !north {
		northing += falseNorthing
		hemisphere = "S"
	}

	return UTM{
		Easting:  easting,
		Northing: northing,
		Zone:     fmt.Sprintf("%d%s", zone, hemisphere),
		EPSG:     epsg,
	}, nil
}

// Unproject converts UTM grid coordinates back to latitude/longitude in degrees
func Unproject(easting, northing float64, epsg int) (lat, lon float64, err error) {
	zone, north, err := ParseEPSG(epsg)
	if err != nil {
		return 0, 0, err
	}

	if !north {
		northing -= falseNorthing
	}

	e4 := e2 * e2
	e6 := e4 * e2
	e1 := (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))

	m := northing / scaleFactor
	mu := m / (semiMajor * (1 - e2/4 - 3*e4/64 - 5*e6/256))

	phi1 := mu +
		(3*e1/2-27*math.Pow(e1, 3)/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*math.Pow(e1, 4)/32)*math.Sin(4*mu) +
		(151*math.Pow(e1, 3)/96)*math.Sin(6*mu) +
		(1097*math.Pow(e1, 4)/512)*math.Sin(8*mu)

	sinPhi1 := math.Sin(phi1)
	cosPhi1 := math.Cos(phi1)
	tanPhi1 := math.Tan(phi1)

	c1 := ep2 * cosPhi1 * cosPhi1
	t1 := tanPhi1 * tanPhi1
	n1 := semiMajor / math.Sqrt(1-e2*sinPhi1*sinPhi1)
	r1 := semiMajor * (1 - e2) / math.Pow(1-e2*sinPhi1*sinPhi1, 1.5)
	d := (easting - falseEasting) / (n1 * scaleFactor)

	phi := phi1 - (n1*tanPhi1/r1)*(d*d/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*math.Pow(d, 4)/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*math.Pow(d, 6)/720)

	lambda := (d -
		(1+2*t1+c1)*math.Pow(d, 3)/6 +
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*math.Pow(d, 5)/120) / cosPhi1

	return phi * 180 / math.Pi, centralMeridian(zone) + lambda*180/math.Pi, nil
}
