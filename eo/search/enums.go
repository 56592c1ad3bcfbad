package search

// Collection is a platform collection identifier.
type Collection string

const (
	CollectionLandsat7         Collection = "LANDSAT/LE07/C02/T1_L2"
	CollectionLandsat8         Collection = "LANDSAT/LC08/C02/T1_L2"
	CollectionSentinel2TOA     Collection = "COPERNICUS/S2"
	CollectionSentinel2SR      Collection = "COPERNICUS/S2_SR"
	CollectionSentinel2SRCloud Collection = "COPERNICUS/S2_SR_CLOUDPROB"
	CollectionMODISNBAR        Collection = "MODIS/006/MCD43A4"
)

// Collections lists the collections the embedded catalogue describes.
func Collections() []Collection {
	return []Collection{
		CollectionLandsat7,
		CollectionLandsat8,
		CollectionSentinel2TOA,
		CollectionSentinel2SR,
		CollectionSentinel2SRCloud,
		CollectionMODISNBAR,
	}
}

// String returns the underlying string value.
func (c Collection) String() string {
	return string(c)
}
