// Package cdn builds asset URLs for the remote API's content delivery
// network. It performs no requests.
package cdn

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/rescale/rest-dispatch/internal/constants"
)

var (
	ErrInvalidExtension = errors.New("invalid extension")
	ErrInvalidSize      = errors.New("invalid size")
)

// Image extensions accepted for every asset but stickers.
var ImageExtensions = []string{"webp", "png", "jpg", "jpeg", "gif"}

// StickerExtensions are the formats stickers are served in.
var StickerExtensions = []string{"png", "json"}

// Sizes are the accepted values of the size query parameter.
var Sizes = []int{16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// stickerPackApp owns the sticker pack banner assets.
const stickerPackApp = "710982414301790216"

// ImageOptions selects the format and size of an image. Zero values mean
// png at the original size.
type ImageOptions struct {
	Extension string
	Size      int
	// Dynamic serves animated hashes (prefix a_) as gif
	Dynamic bool
}

// Builder builds CDN URLs below a base URL.
type Builder struct {
	base string
}

// New returns a Builder for base, or for the default CDN when base is empty.
func New(base string) *Builder {
	if base == "" {
		base = constants.DefaultCDNBaseURL
	}
	return &Builder{base: strings.TrimRight(base, "/")}
}

func (b *Builder) AppAsset(clientID, assetHash string, opts ImageOptions) (string, error) {
	return b.makeURL("/app-assets/"+clientID+"/"+assetHash, static(opts), ImageExtensions)
}

func (b *Builder) AppIcon(clientID, iconHash string, opts ImageOptions) (string, error) {
	return b.makeURL("/app-icons/"+clientID+"/"+iconHash, static(opts), ImageExtensions)
}

// Avatar builds a user or webhook avatar URL.
func (b *Builder) Avatar(id, avatarHash string, opts ImageOptions) (string, error) {
	return b.dynamicURL("/avatars/"+id+"/"+avatarHash, avatarHash, opts)
}

// Banner builds a user or guild banner URL.
func (b *Builder) Banner(id, bannerHash string, opts ImageOptions) (string, error) {
	return b.dynamicURL("/banners/"+id+"/"+bannerHash, bannerHash, opts)
}

// ChannelIcon builds the icon URL of a group DM.
func (b *Builder) ChannelIcon(channelID, iconHash string, opts ImageOptions) (string, error) {
	return b.makeURL("/channel-icons/"+channelID+"/"+iconHash, static(opts), ImageExtensions)
}

// DefaultAvatar builds the URL of one of the builtin avatars. index is the
// discriminator modulo 5.
func (b *Builder) DefaultAvatar(index int) (string, error) {
	return b.makeURL("/embed/avatars/"+strconv.Itoa(index), ImageOptions{}, ImageExtensions)
}

func (b *Builder) DiscoverySplash(guildID, splashHash string, opts ImageOptions) (string, error) {
	return b.makeURL("/discovery-splashes/"+guildID+"/"+splashHash, static(opts), ImageExtensions)
}

func (b *Builder) Emoji(emojiID, extension string) (string, error) {
	return b.makeURL("/emojis/"+emojiID, ImageOptions{Extension: extension}, ImageExtensions)
}

func (b *Builder) GuildMemberAvatar(guildID, userID, avatarHash string, opts ImageOptions) (string, error) {
	return b.dynamicURL("/guilds/"+guildID+"/users/"+userID+"/avatars/"+avatarHash, avatarHash, opts)
}

// Icon builds a guild icon URL.
func (b *Builder) Icon(id, iconHash string, opts ImageOptions) (string, error) {
	return b.dynamicURL("/icons/"+id+"/"+iconHash, iconHash, opts)
}

func (b *Builder) RoleIcon(roleID, iconHash string, opts ImageOptions) (string, error) {
	return b.makeURL("/role-icons/"+roleID+"/"+iconHash, static(opts), ImageExtensions)
}

// Splash builds a guild invite splash URL.
func (b *Builder) Splash(guildID, splashHash string, opts ImageOptions) (string, error) {
	return b.makeURL("/splashes/"+guildID+"/"+splashHash, static(opts), ImageExtensions)
}

// Sticker builds a sticker URL; extension is png or json.
func (b *Builder) Sticker(stickerID, extension string) (string, error) {
	return b.makeURL("/stickers/"+stickerID, ImageOptions{Extension: extension}, StickerExtensions)
}

func (b *Builder) StickerPackBanner(bannerID string, opts ImageOptions) (string, error) {
	return b.makeURL("/app-assets/"+stickerPackApp+"/store/"+bannerID, static(opts), ImageExtensions)
}

func (b *Builder) TeamIcon(teamID, iconHash string, opts ImageOptions) (string, error) {
	return b.makeURL("/team-icons/"+teamID+"/"+iconHash, static(opts), ImageExtensions)
}

// static drops Dynamic for assets that are never animated.
func static(opts ImageOptions) ImageOptions {
	opts.Dynamic = false
	return opts
}

func (b *Builder) dynamicURL(route, hash string, opts ImageOptions) (string, error) {
	if opts.Dynamic && strings.HasPrefix(hash, "a_") {
		opts.Extension = "gif"
	}
	return b.makeURL(route, opts, ImageExtensions)
}

func (b *Builder) makeURL(route string, opts ImageOptions, allowed []string) (string, error) {
	ext := strings.ToLower(opts.Extension)
	if ext == "" {
		ext = "png"
	}
	if !slices.Contains(allowed, ext) {
		return "", fmt.Errorf("%w %q: must be one of %s", ErrInvalidExtension, ext, strings.Join(allowed, ", "))
	}
	if opts.Size != 0 && !slices.Contains(Sizes, opts.Size) {
		return "", fmt.Errorf("%w %d: must be one of %s", ErrInvalidSize, opts.Size, joinInts(Sizes))
	}

	u, err := url.Parse(b.base + route + "." + ext)
	if err != nil {
		return "", fmt.Errorf("failed to build CDN URL: %w", err)
	}
	if opts.Size != 0 {
		u.RawQuery = url.Values{"size": {strconv.Itoa(opts.Size)}}.Encode()
	}
	return u.String(), nil
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ", ")
}
