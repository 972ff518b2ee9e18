package shardstore

import (
	"errors"
	"strings"
	"time"
)

// Index names.
const (
	IndexUsername      = "username"
	IndexEmail         = "email"
	IndexAdminUsername = "admin_username"
	IndexPostSlug      = "post_slug"
	IndexMediaSHA256   = "media_sha256"
)

// User is the user aggregate: profile/main.json, profile/avatar.json and
// profile/counters.json.
type User struct {
	Profile  UserProfile  `json:"profile"`
	Avatar   UserAvatar   `json:"avatar"`
	Counters UserCounters `json:"counters"`
}

// UserProfile is profile/main.json, the user's primary document.
type UserProfile struct {
	ID          uint64    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name,omitempty"` //nolint:tagliatelle // on-disk format
	Bio         string    `json:"bio,omitempty"`
	CreatedAt   time.Time `json:"created_at"` //nolint:tagliatelle // on-disk format
	UpdatedAt   time.Time `json:"updated_at"` //nolint:tagliatelle // on-disk format
}

// UserAvatar is profile/avatar.json.
type UserAvatar struct {
	URL       string     `json:"url,omitempty"`
	Width     int        `json:"width,omitempty"`
	Height    int        `json:"height,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"` //nolint:tagliatelle // on-disk format
}

// UserCounters is profile/counters.json.
type UserCounters struct {
	Posts     int64 `json:"posts"`
	Followers int64 `json:"followers"`
	Following int64 `json:"following"`
	Likes     int64 `json:"likes"`
}

// Admin is the admin aggregate: profile/main.json and permissions.json.
type Admin struct {
	Profile     AdminProfile     `json:"profile"`
	Permissions AdminPermissions `json:"permissions"`
}

// AdminProfile is profile/main.json of an admin.
type AdminProfile struct {
	ID        uint64    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"` //nolint:tagliatelle // on-disk format
}

// AdminPermissions is permissions.json.
type AdminPermissions struct {
	Scopes    []string   `json:"scopes"`
	GrantedBy uint64     `json:"granted_by,omitempty"` //nolint:tagliatelle // on-disk format
	GrantedAt *time.Time `json:"granted_at,omitempty"` //nolint:tagliatelle // on-disk format
}

// Post is the post aggregate: main.json and stats.json.
type Post struct {
	Main  PostMain  `json:"main"`
	Stats PostStats `json:"stats"`
}

// PostMain is main.json of a post.
type PostMain struct {
	ID        uint64    `json:"id"`
	AuthorID  uint64    `json:"author_id"` //nolint:tagliatelle // on-disk format
	Slug      string    `json:"slug,omitempty"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	MediaIDs  []uint64  `json:"media_ids,omitempty"` //nolint:tagliatelle // on-disk format
	CreatedAt time.Time `json:"created_at"`          //nolint:tagliatelle // on-disk format
	UpdatedAt time.Time `json:"updated_at"`          //nolint:tagliatelle // on-disk format
}

// PostStats is stats.json of a post.
type PostStats struct {
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
	Views    int64 `json:"views"`
}

// Media is the media aggregate: main.json and stats.json.
type Media struct {
	Main  MediaMain  `json:"main"`
	Stats MediaStats `json:"stats"`
}

// MediaMain is main.json of a media record. The blob itself lives at
// StoragePath, outside the store.
type MediaMain struct {
	ID          uint64    `json:"id"`
	OwnerID     uint64    `json:"owner_id"`     //nolint:tagliatelle // on-disk format
	ContentType string    `json:"content_type"` //nolint:tagliatelle // on-disk format
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256,omitempty"`
	StoragePath string    `json:"storage_path"` //nolint:tagliatelle // on-disk format
	CreatedAt   time.Time `json:"created_at"`   //nolint:tagliatelle // on-disk format
}

// MediaStats is stats.json of a media record.
type MediaStats struct {
	Views     int64 `json:"views"`
	Downloads int64 `json:"downloads"`
}

var (
	errUsernameRequired = errors.New("username is required")
	errTitleRequired    = errors.New("title is required")
	errNegativeCounter  = errors.New("counters must not be negative")
	errBadSHA256        = errors.New("sha256 must be 64 hex digits")
)

// UserSchema maps [User] onto disk.
func UserSchema() Schema[User] {
	return Schema[User]{
		Category: CategoryUser,
		Parts: []Part[User]{
			{Name: "profile/main.json", Doc: func(u *User) any { return &u.Profile }},
			{Name: "profile/avatar.json", Doc: func(u *User) any { return &u.Avatar }},
			{Name: "profile/counters.json", Doc: func(u *User) any { return &u.Counters }},
		},
		Indexes: []string{IndexEmail, IndexUsername},
		Keys: func(u *User) map[string]string {
			return map[string]string{IndexUsername: u.Profile.Username, IndexEmail: u.Profile.Email}
		},
		ID:    func(u *User) uint64 { return u.Profile.ID },
		SetID: func(u *User, id uint64) { u.Profile.ID = id },
		Validate: func(u *User) error {
			if strings.TrimSpace(u.Profile.Username) == "" {
				return errUsernameRequired
			}

			c := u.Counters
			if c.Posts < 0 || c.Followers < 0 || c.Following < 0 || c.Likes < 0 {
				return errNegativeCounter
			}

			return nil
		},
	}
}

// AdminSchema maps [Admin] onto disk.
func AdminSchema() Schema[Admin] {
	return Schema[Admin]{
		Category: CategoryAdmin,
		Parts: []Part[Admin]{
			{Name: "profile/main.json", Doc: func(a *Admin) any { return &a.Profile }},
			{Name: "permissions.json", Doc: func(a *Admin) any { return &a.Permissions }},
		},
		Indexes: []string{IndexAdminUsername},
		Keys: func(a *Admin) map[string]string {
			return map[string]string{IndexAdminUsername: a.Profile.Username}
		},
		ID:    func(a *Admin) uint64 { return a.Profile.ID },
		SetID: func(a *Admin, id uint64) { a.Profile.ID = id },
		Validate: func(a *Admin) error {
			if strings.TrimSpace(a.Profile.Username) == "" {
				return errUsernameRequired
			}

			return nil
		},
	}
}

// PostSchema maps [Post] onto disk.
func PostSchema() Schema[Post] {
	return Schema[Post]{
		Category: CategoryPost,
		Parts: []Part[Post]{
			{Name: "main.json", Doc: func(p *Post) any { return &p.Main }},
			{Name: "stats.json", Doc: func(p *Post) any { return &p.Stats }},
		},
		Indexes: []string{IndexPostSlug},
		Keys: func(p *Post) map[string]string {
			return map[string]string{IndexPostSlug: p.Main.Slug}
		},
		ID:    func(p *Post) uint64 { return p.Main.ID },
		SetID: func(p *Post, id uint64) { p.Main.ID = id },
		Validate: func(p *Post) error {
			if strings.TrimSpace(p.Main.Title) == "" {
				return errTitleRequired
			}

			s := p.Stats
			if s.Likes < 0 || s.Comments < 0 || s.Shares < 0 || s.Views < 0 {
				return errNegativeCounter
			}

			return nil
		},
	}
}

// MediaSchema maps [Media] onto disk.
func MediaSchema() Schema[Media] {
	return Schema[Media]{
		Category: CategoryMedia,
		Parts: []Part[Media]{
			{Name: "main.json", Doc: func(m *Media) any { return &m.Main }},
			{Name: "stats.json", Doc: func(m *Media) any { return &m.Stats }},
		},
		Indexes: []string{IndexMediaSHA256},
		Keys: func(m *Media) map[string]string {
			return map[string]string{IndexMediaSHA256: m.Main.SHA256}
		},
		ID:    func(m *Media) uint64 { return m.Main.ID },
		SetID: func(m *Media, id uint64) { m.Main.ID = id },
		Validate: func(m *Media) error {
			if m.Main.SHA256 != "" && !isHexSHA256(m.Main.SHA256) {
				return errBadSHA256
			}

			if m.Main.Size < 0 || m.Stats.Views < 0 || m.Stats.Downloads < 0 {
				return errNegativeCounter
			}

			return nil
		},
	}
}

func isHexSHA256(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 64 {
		return false
	}

	for _, c := range strings.ToLower(s) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}
