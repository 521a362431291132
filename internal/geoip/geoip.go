// Package geoip wraps the MaxMind-format city/ASN databases the
// controller reads from GEOIP_DIR. It stands in for the GeoIP lookup
// service this controller treats as an external collaborator, exposing exactly
// the two operations the orchestrators consume: LocationOf and ASNOf.
// Either database file may be absent — lookups against a missing
// database simply return (nil, false) rather than failing.
package geoip

import (
	"net"
	"os"
	"path/filepath"

	"github.com/oschwald/geoip2-golang"

	"github.com/mcprobe/controller/internal/applog"
	"github.com/mcprobe/controller/internal/status"
)

const (
	cityFile = "GeoLite2-City.mmdb"
	asnFile  = "GeoLite2-ASN.mmdb"
)

// DB holds the open city and ASN readers. Either may be nil.
type DB struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// Open opens whichever of GeoLite2-City.mmdb / GeoLite2-ASN.mmdb exist
// under dir. A missing directory or missing individual files are
// tolerated: the corresponding lookups simply always miss.
func Open(dir string) (*DB, error) {
	log := applog.For("geoip")
	db := &DB{}

	if r, err := openIfExists(filepath.Join(dir, cityFile)); err != nil {
		log.WithError(err).Warn("failed to open GeoIP city database")
	} else {
		db.city = r
	}

	if r, err := openIfExists(filepath.Join(dir, asnFile)); err != nil {
		log.WithError(err).Warn("failed to open GeoIP ASN database")
	} else {
		db.asn = r
	}

	return db, nil
}

func openIfExists(path string) (*geoip2.Reader, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return geoip2.Open(path)
}

// Close releases both underlying readers, if open.
func (d *DB) Close() error {
	if d == nil {
		return nil
	}
	if d.city != nil {
		_ = d.city.Close()
	}
	if d.asn != nil {
		_ = d.asn.Close()
	}
	return nil
}

// LocationOf returns the city-database record for ip, if the database is
// loaded and the IP resolves to a record.
func (d *DB) LocationOf(ip string) (*status.Location, bool) {
	if d == nil || d.city == nil {
		return nil, false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, false
	}
	rec, err := d.city.City(parsed)
	if err != nil || rec == nil {
		return nil, false
	}
	loc := &status.Location{
		Country:   rec.Country.IsoCode,
		City:      rec.City.Names["en"],
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
	}
	return loc, true
}

// ASNOf returns the ASN-database record for ip, if the database is
// loaded and the IP resolves to a record.
func (d *DB) ASNOf(ip string) (*status.ASNInfo, bool) {
	if d == nil || d.asn == nil {
		return nil, false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, false
	}
	rec, err := d.asn.ASN(parsed)
	if err != nil || rec == nil || rec.AutonomousSystemNumber == 0 {
		return nil, false
	}
	return &status.ASNInfo{
		Number:       rec.AutonomousSystemNumber,
		Organization: rec.AutonomousSystemOrganization,
	}, true
}
