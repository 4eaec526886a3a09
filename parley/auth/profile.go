package auth

import (
	"context"
	"strings"

	"github.com/parleychat/parley-sdk-go/parley/rest"
)

// UpdateBio replaces the signed-in user's bio.
func (c *Controller) UpdateBio(ctx context.Context, bio string) error {
	if strings.TrimSpace(bio) == "" {
		return c.invalid("Bio cannot be empty")
	}
	u, err := c.api.UpdateMe(ctx, rest.UpdateMeRequest{Bio: &bio})
	if err != nil {
		return err
	}
	c.sess.SetUser(*u)
	c.sess.SetSuccess("Bio updated successfully!")
	return nil
}

// UpdatePassword changes the password. The current tokens stay valid.
func (c *Controller) UpdatePassword(ctx context.Context, password, confirm string) error {
	switch {
	case password == "" || confirm == "":
		return c.invalid("Please fill in all password fields")
	case password != confirm:
		return c.invalid("Passwords do not match")
	case len(password) < minPasswordLen:
		return c.invalid("Password must be at least 6 characters")
	}
	if _, err := c.api.UpdateMe(ctx, rest.UpdateMeRequest{Password: &password}); err != nil {
		return err
	}
	c.sess.SetSuccess("Password updated successfully!")
	return nil
}

// UploadAvatar sends an image as the profile picture. An empty upload is
// ignored.
func (c *Controller) UploadAvatar(ctx context.Context, filename, contentType string, data []byte) error {
	if filename == "" && len(data) == 0 {
		return nil
	}
	u, err := c.api.UploadAvatar(ctx, rest.File{
		Field:       "file",
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		return err
	}
	c.sess.SetUser(*u)
	c.sess.SetSuccess("Avatar updated successfully!")
	return nil
}
