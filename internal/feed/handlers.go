package feed

import (
	"strconv"

	"backend-friendlypix/internal/store"

	"github.com/gofiber/fiber/v2"
)

type pageResponse struct {
	Posts  []Post `json:"posts"`
	Before string `json:"next_before,omitempty"`
}

type commentPageResponse struct {
	Comments []Comment `json:"comments"`
	Before   string    `json:"next_before,omitempty"`
}

func RegisterRoutes(r fiber.Router, svc *Store, defaultPageSize int, authMiddleware fiber.Handler) {
	sendPostPage := func(c *fiber.Ctx, ref Ref) error {
		page, err := svc.Paginate(c.Context(), ref, pageSize(c, defaultPageSize), c.Query("before"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		resp := pageResponse{Posts: []Post{}, Before: page.Cursor}
		for _, e := range page.Entries {
			post, err := DecodePost(e)
			if err != nil {
				continue
			}
			resp.Posts = append(resp.Posts, post)
		}
		return c.JSON(resp)
	}

	r.Get("/feed/general", func(c *fiber.Ctx) error {
		return sendPostPage(c, GlobalFeed())
	})

	r.Get("/feed/home", authMiddleware, func(c *fiber.Ctx) error {
		uid, _ := c.Locals("user_id").(string)
		if uid == "" {
			return c.JSON(pageResponse{Posts: []Post{}})
		}
		return sendPostPage(c, HomeFeed(uid))
	})

	r.Get("/users/:id/posts", func(c *fiber.Ctx) error {
		return sendPostPage(c, UserPostsFeed(c.Params("id")))
	})

	r.Get("/hashtags/:tag", func(c *fiber.Ctx) error {
		return sendPostPage(c, HashtagFeed(c.Params("tag")))
	})

	r.Post("/posts", authMiddleware, func(c *fiber.Ctx) error {
		var req struct {
			Text     string    `json:"text"`
			FullName string    `json:"full_name"`
			Avatar   string    `json:"avatar_url"`
			Full     PicUpload `json:"full"`
			Thumb    PicUpload `json:"thumb"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if len(req.Full.Data) == 0 || len(req.Thumb.Data) == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "full and thumb images required")
		}
		author := Author{
			UID:            localUID(c),
			FullName:       req.FullName,
			ProfilePicture: req.Avatar,
		}
		post, err := svc.UploadNewPic(c.Context(), author, req.Text, req.Full, req.Thumb)
		if err != nil {
			return serviceError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(post)
	})

	r.Get("/posts/:id", func(c *fiber.Ctx) error {
		post, err := svc.GetPost(c.Context(), c.Params("id"))
		if err != nil {
			return serviceError(err)
		}
		return c.JSON(post)
	})

	r.Delete("/posts/:id", authMiddleware, func(c *fiber.Ctx) error {
		if err := svc.DeletePost(c.Context(), localUID(c), c.Params("id")); err != nil {
			return serviceError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Get("/posts/:id/comments", func(c *fiber.Ctx) error {
		page, err := svc.Paginate(c.Context(), PostComments(c.Params("id")), pageSize(c, defaultPageSize), c.Query("before"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		resp := commentPageResponse{Comments: []Comment{}, Before: page.Cursor}
		for _, e := range page.Entries {
			comment, err := DecodeComment(e)
			if err != nil {
				continue
			}
			resp.Comments = append(resp.Comments, comment)
		}
		return c.JSON(resp)
	})

	r.Post("/posts/:id/comments", authMiddleware, func(c *fiber.Ctx) error {
		var req struct {
			Text     string `json:"text"`
			FullName string `json:"full_name"`
			Avatar   string `json:"avatar_url"`
		}
		if err := c.BodyParser(&req); err != nil || req.Text == "" {
			return fiber.NewError(fiber.StatusBadRequest, "text required")
		}
		author := Author{
			UID:            localUID(c),
			FullName:       req.FullName,
			ProfilePicture: req.Avatar,
		}
		comment, err := svc.AddComment(c.Context(), c.Params("id"), author, req.Text)
		if err != nil {
			return serviceError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(comment)
	})

	r.Post("/posts/:id/like", authMiddleware, func(c *fiber.Ctx) error {
		liked, err := svc.ToggleLike(c.Context(), localUID(c), c.Params("id"))
		if err != nil {
			return serviceError(err)
		}
		return c.JSON(fiber.Map{"liked": liked})
	})

	r.Post("/follow", authMiddleware, func(c *fiber.Ctx) error {
		var req struct {
			FollowingID string `json:"following_id"`
			Follow      bool   `json:"follow"`
		}
		if err := c.BodyParser(&req); err != nil || req.FollowingID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "following_id required")
		}
		uid := localUID(c)
		var err error
		if req.Follow {
			err = svc.FollowUser(c.Context(), uid, req.FollowingID)
		} else {
			err = svc.UnfollowUser(c.Context(), uid, req.FollowingID)
		}
		if err != nil {
			return serviceError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Post("/block", authMiddleware, func(c *fiber.Ctx) error {
		var req struct {
			TargetID string `json:"target_id"`
		}
		if err := c.BodyParser(&req); err != nil || req.TargetID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "target_id required")
		}
		blocked, err := svc.ToggleBlock(c.Context(), localUID(c), req.TargetID)
		if err != nil {
			return serviceError(err)
		}
		return c.JSON(fiber.Map{"blocked": blocked})
	})

	r.Put("/users/me/profile", authMiddleware, func(c *fiber.Ctx) error {
		var req struct {
			DisplayName string `json:"display_name"`
			AvatarURL   string `json:"avatar_url"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		uid := localUID(c)
		profile := Profile{UID: uid, DisplayName: req.DisplayName, AvatarURL: req.AvatarURL}
		if err := svc.SaveProfile(c.Context(), profile); err != nil {
			return serviceError(err)
		}
		if err := svc.UpdateProfilePicture(c.Context(), uid, req.AvatarURL); err != nil {
			return serviceError(err)
		}
		return c.JSON(profile)
	})

	r.Get("/users/:id/profile", func(c *fiber.Ctx) error {
		profile, err := svc.GetProfile(c.Context(), c.Params("id"))
		if err != nil {
			return serviceError(err)
		}
		return c.JSON(profile)
	})
}

func localUID(c *fiber.Ctx) string {
	uid, _ := c.Locals("user_id").(string)
	return uid
}

func pageSize(c *fiber.Ctx, fallback int) int {
	n, err := strconv.Atoi(c.Query("page_size"))
	if err != nil || n <= 0 || n > 100 {
		return fallback
	}
	return n
}

func serviceError(err error) error {
	switch err {
	case store.ErrNotFound:
		return fiber.NewError(fiber.StatusNotFound, "not found")
	case ErrAuthRequired:
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	case ErrForbidden:
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
