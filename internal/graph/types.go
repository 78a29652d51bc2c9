package graph

// Principal is the signed-in directory user as returned by the /me lookup.
type Principal struct {
	ObjectID          string `json:"objectId"`
	UserPrincipalName string `json:"userPrincipalName"`
	Mail              string `json:"mail,omitempty"`
	DisplayName       string `json:"displayName,omitempty"`
}

// Photo is a thumbnail photo exactly as the server returned it.
type Photo struct {
	Data        []byte
	ContentType string
}

// PhotoContentType is sent with every photo PUT.
const PhotoContentType = "images/*"
