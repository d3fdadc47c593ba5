/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package misp

// mispToDataType maps a MISP attribute type to a platform observable data
// type. Anything not listed maps to "other".
var mispToDataType = map[string]string{
	`md5`:                    `hash`,
	`sha1`:                   `hash`,
	`sha224`:                 `hash`,
	`sha256`:                 `hash`,
	`sha384`:                 `hash`,
	`sha512`:                 `hash`,
	`ssdeep`:                 `hash`,
	`imphash`:                `hash`,
	`pehash`:                 `hash`,
	`impfuzzy`:               `hash`,
	`ip-src`:                 `ip`,
	`ip-dst`:                 `ip`,
	`hostname`:               `fqdn`,
	`target-machine`:         `fqdn`,
	`domain`:                 `domain`,
	`email-src`:              `mail`,
	`email-dst`:              `mail`,
	`whois-registrant-email`: `mail`,
	`target-email`:           `mail`,
	`email-subject`:          `mail_subject`,
	`url`:                    `url`,
	`uri`:                    `uri_path`,
	`user-agent`:             `user-agent`,
	`filename`:               `filename`,
	`attachment`:             `file`,
	`malware-sample`:         `file`,
	`regkey`:                 `registry`,
	`regkey|value`:           `registry`,
}

// DataTypeFor returns the platform data type for a MISP attribute type.
func DataTypeFor(mispType string) string {
	if dt, ok := mispToDataType[mispType]; ok {
		return dt
	}
	return `other`
}

// hex digest lengths for hash type routing
var hashTypeByLen = map[int]string{
	32:  `md5`,
	40:  `sha1`,
	56:  `sha224`,
	64:  `sha256`,
	71:  `sha384`,
	128: `sha512`,
}

type categoryType struct {
	category string
	mispType string
}

var dataTypeToMisp = map[string]categoryType{
	`filename`:     {`Payload delivery`, `filename`},
	`fqdn`:         {`Network activity`, `hostname`},
	`url`:          {`External analysis`, `url`},
	`user-agent`:   {`Network activity`, `user-agent`},
	`domain`:       {`Network activity`, `domain`},
	`ip`:           {`Network activity`, `ip-src`},
	`mail_subject`: {`Payload delivery`, `email-subject`},
	`mail`:         {`Payload delivery`, `email-src`},
	`registry`:     {`Persistence mechanism`, `regkey`},
	`uri_path`:     {`Network activity`, `uri`},
	`file`:         {`Payload delivery`, `malware-sample`},
	`other`:        {`Other`, `other`},
	`regexp`:       {`Other`, `other`},
}

// MispTypeFor maps a platform data type and value to a MISP (category,
// type) pair. Hashes are routed on digest length.
func MispTypeFor(dataType, value string) (category, mispType string) {
	if dataType == `hash` {
		category = `Payload delivery`
		if t, ok := hashTypeByLen[len(value)]; ok {
			mispType = t
		} else {
			mispType = `other`
		}
		return
	}
	if ct, ok := dataTypeToMisp[dataType]; ok {
		return ct.category, ct.mispType
	}
	return `Other`, `other`
}
