package obs

import "encoding/xml"

// StatusDocument is the body of GET /status/project/<project>.
type StatusDocument struct {
	Packages []StatusPackage `xml:"package"`
}

// StatusPackage is one package record of a status document.
type StatusPackage struct {
	Project    string     `xml:"project,attr"`
	Name       string     `xml:"name,attr"`
	SrcMD5     string     `xml:"srcmd5,attr"`
	VerifyMD5  string     `xml:"verifymd5,attr"`
	ChangesMD5 string     `xml:"changesmd5,attr"`
	Version    string     `xml:"version,attr"`
	Develpack  *Develpack `xml:"develpack"`
}

// Develpack is the devel link of a status package record. It embeds the
// status record of the devel package itself.
type Develpack struct {
	Project string         `xml:"proj,attr"`
	Package string         `xml:"pack,attr"`
	Record  *StatusPackage `xml:"package"`
}

// RequestCollection is the body of GET /search/request.
type RequestCollection struct {
	Matches  int       `xml:"matches,attr"`
	Requests []Request `xml:"request"`
}

// Request is a request with its actions.
type Request struct {
	ID          string          `xml:"id,attr"`
	Actions     []RequestAction `xml:"action"`
	State       *RequestState   `xml:"state"`
	Description string          `xml:"description,omitempty"`
}

// RequestAction is one action of a request.
type RequestAction struct {
	Type   string          `xml:"type,attr"`
	Source *RequestPackage `xml:"source"`
	Target *RequestPackage `xml:"target"`
}

// RequestPackage is the source or target of a request action.
type RequestPackage struct {
	Project string `xml:"project,attr"`
	Package string `xml:"package,attr,omitempty"`
	Rev     string `xml:"rev,attr,omitempty"`
}

// RequestState is the current state of a request.
type RequestState struct {
	Name string `xml:"name,attr"`
}

// SourceInfo is the body of GET /public/source/<project>/<package>?view=info.
type SourceInfo struct {
	Package   string `xml:"package,attr"`
	Rev       string `xml:"rev,attr"`
	SrcMD5    string `xml:"srcmd5,attr"`
	VerifyMD5 string `xml:"verifymd5,attr"`
}

// Directory is the file listing of a package.
type Directory struct {
	Name    string           `xml:"name,attr"`
	Rev     string           `xml:"rev,attr"`
	SrcMD5  string           `xml:"srcmd5,attr"`
	Entries []DirectoryEntry `xml:"entry"`
}

// DirectoryEntry is one file of a directory listing.
type DirectoryEntry struct {
	Name string `xml:"name,attr"`
	MD5  string `xml:"md5,attr"`
	Size int64  `xml:"size,attr"`
}

// newRequest is the body posted to create a submit request.
type newRequest struct {
	XMLName     xml.Name        `xml:"request"`
	Actions     []RequestAction `xml:"action"`
	State       RequestState    `xml:"state"`
	Description string          `xml:"description"`
}
