package user

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Password string `json:"-"`
	Active   bool   `json:"active"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          int64  `json:"id"`
	Username    string `json:"username"`
}
