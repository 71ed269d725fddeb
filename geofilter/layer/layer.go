package layer

// StorageKind identifies how a dataset is stored. It drives dialect
// selection; unrecognized kinds resolve to the generic fallback.
type StorageKind string

const (
	KindPostgres   StorageKind = "postgres"
	KindSpatiaLite StorageKind = "spatialite"
	KindGeoPackage StorageKind = "geopackage"
	KindShapefile  StorageKind = "shapefile"
	KindMemory     StorageKind = "memory"
)

// PrimaryKey describes the unique-id column of a layer.
type PrimaryKey struct {
	Column string
	// Integer reports whether the key is numeric; string keys need
	// quoting when composing id lists.
	Integer bool
}

// Info is a read-only snapshot of layer metadata taken at build time.
// It can go stale if the schema changes mid-operation; callers treat it
// as a value, never shared mutable state.
type Info struct {
	ID           string
	Name         string
	Storage      StorageKind
	FeatureCount int64
	GeomColumn   string
	SRID         int
	Schema       string // relational-store namespace, "" elsewhere
	Table        string
	PK           PrimaryKey
}

// Geographic reports whether the layer's CRS is degree-based. Degree
// inputs must be transformed to a metric system before buffering.
func (i Info) Geographic() bool {
	return GeographicSRID(i.SRID)
}

// GeographicSRID reports whether an EPSG code denotes a geographic
// (lat/lon) reference system. The common geographic codes are listed
// explicitly; everything else is assumed projected.
func GeographicSRID(srid int) bool {
	switch srid {
	case 4326, 4258, 4269, 4283, 4617, 4167:
		return true
	}
	return false
}
