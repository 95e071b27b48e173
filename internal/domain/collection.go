package domain

// SchemaVersion is the collection schema version written by this module and
// the highest one the importer accepts.
const SchemaVersion = 11

// Collection holds the global metadata of a store. There is exactly one.
type Collection struct {
	Crt    int64  `json:"crt"`
	Mod    int64  `json:"mod"`
	Scm    int64  `json:"scm"`
	Ver    int    `json:"ver"`
	Dty    int    `json:"dty"`
	Usn    int    `json:"usn"`
	Ls     int64  `json:"ls"`
	LastID int64  `json:"lastId"`
	Conf   string `json:"conf"`
	Tags   string `json:"tags"`
}

// Today returns the day index of now (epoch seconds) relative to the
// collection creation time.
func (c Collection) Today(now int64) int64 {
	if now < c.Crt {
		return 0
	}
	return (now - c.Crt) / 86400
}
