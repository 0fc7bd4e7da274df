package attachment

// Attachment is a file sent with a turn. Data is base64 in JSON.
type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Kind classifies an attachment.
type Kind string

const (
	KindText        Kind = "text"
	KindImage       Kind = "image"
	KindUnsupported Kind = "unsupported"
)

// Excerpt is text extracted from a text-like attachment.
type Excerpt struct {
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
}

// ImageSummary describes an image attachment without its pixels.
type ImageSummary struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Bytes  int    `json:"bytes"`
}

// Result is everything derived from one attachment.
type Result struct {
	Excerpt *Excerpt      `json:"excerpt,omitempty"`
	Image   *ImageSummary `json:"image,omitempty"`
}
