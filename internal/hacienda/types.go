package hacienda

// receptionRequest is the JSON body posted to /recepcion.
type receptionRequest struct {
	Clave          string          `json:"clave"`
	Fecha          string          `json:"fecha"`
	Emisor         receptionParty  `json:"emisor"`
	Receptor       *receptionParty `json:"receptor,omitempty"`
	ComprobanteXML string          `json:"comprobanteXml"`
}

type receptionParty struct {
	TipoIdentificacion   string `json:"tipoIdentificacion"`
	NumeroIdentificacion string `json:"numeroIdentificacion"`
}

// statusResponse is the JSON body of /consultas/recepcion/{clave}.
// Processing states observed from the authority: "recibido" and
// "procesando" (still pending), "aceptado", "rechazado".
type statusResponse struct {
	Clave        string `json:"clave"`
	IndEstado    string `json:"ind-estado"`
	RespuestaXML string `json:"respuesta-xml"`
}

// tokenResponse is the identity provider's answer to a password grant.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}
